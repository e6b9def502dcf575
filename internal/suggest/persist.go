package suggest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/chagge/kge-server/internal/metrics"
)

type engineSnapshot struct {
	Version      string              `msgpack:"v"`
	Docs         map[string]Document `msgpack:"docs"`
	DocIDToNum   map[string]uint32   `msgpack:"doc_id_to_num"`
	DocNumToID   []string            `msgpack:"doc_num_to_id"`
	TermPostings map[string][]uint32 `msgpack:"terms"`
	Lexicon      []string            `msgpack:"lexicon"`
}

// Save writes a snapshot of the whole index to path. The index stays
// readable while the state is copied out under the read lock.
func (e *CompletionEngine) Save(path string) error {
	e.mu.RLock()
	docs := make(map[string]Document, len(e.docs))
	for ref, doc := range e.docs {
		docs[ref] = doc.clone()
	}
	docIDToNum := make(map[string]uint32, len(e.docIDToNum))
	for ref, n := range e.docIDToNum {
		docIDToNum[ref] = n
	}
	docNumToID := append([]string(nil), e.docNumToID...)
	termPostings := make(map[string][]uint32, len(e.termPostings))
	for term, postings := range e.termPostings {
		termPostings[term] = append([]uint32(nil), postings...)
	}
	lexicon := append([]string(nil), e.lexicon...)
	version := e.version
	e.mu.RUnlock()

	snap := engineSnapshot{
		Version:      snapshotFormatVersion,
		Docs:         docs,
		DocIDToNum:   docIDToNum,
		DocNumToID:   docNumToID,
		TermPostings: termPostings,
		Lexicon:      lexicon,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		metrics.SnapshotOperationsTotal.WithLabelValues("suggest", "save", "error").Inc()
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		metrics.SnapshotOperationsTotal.WithLabelValues("suggest", "save", "error").Inc()
		return err
	}
	if err := msgpack.NewEncoder(file).Encode(&snap); err != nil {
		file.Close()
		metrics.SnapshotOperationsTotal.WithLabelValues("suggest", "save", "error").Inc()
		return err
	}
	if err := file.Close(); err != nil {
		metrics.SnapshotOperationsTotal.WithLabelValues("suggest", "save", "error").Inc()
		return err
	}
	e.markPersisted(version)
	metrics.SnapshotOperationsTotal.WithLabelValues("suggest", "save", "ok").Inc()
	return nil
}

// Load restores the index from a snapshot written by Save. A missing
// file leaves the engine empty and is not an error.
func (e *CompletionEngine) Load(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer file.Close()

	var snap engineSnapshot
	if err := msgpack.NewDecoder(file).Decode(&snap); err != nil {
		metrics.SnapshotOperationsTotal.WithLabelValues("suggest", "load", "error").Inc()
		return fmt.Errorf("decode suggestion snapshot %s: %w", path, err)
	}
	if snap.Version != snapshotFormatVersion {
		metrics.SnapshotOperationsTotal.WithLabelValues("suggest", "load", "error").Inc()
		return fmt.Errorf("unsupported suggestion snapshot version %q", snap.Version)
	}

	if snap.Docs == nil {
		snap.Docs = make(map[string]Document)
	}
	if snap.DocIDToNum == nil {
		snap.DocIDToNum = make(map[string]uint32)
	}
	if snap.TermPostings == nil {
		snap.TermPostings = make(map[string][]uint32)
	}

	e.mu.Lock()
	e.docs = snap.Docs
	e.docIDToNum = snap.DocIDToNum
	e.docNumToID = snap.DocNumToID
	e.termPostings = snap.TermPostings
	e.lexicon = snap.Lexicon
	e.version = 1
	e.persistedVersion = 1
	e.mu.Unlock()
	metrics.SnapshotOperationsTotal.WithLabelValues("suggest", "load", "ok").Inc()
	return nil
}
