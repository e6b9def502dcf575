package suggest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

const (
	snapshotFormatVersion = "1.0.0"
	// prefixWeight ranks a strict prefix match below an exact term match.
	prefixWeight = 0.8
	// maxPrefixExpansions bounds the lexicon range scan per query.
	maxPrefixExpansions = 50
)

// ErrMissingDocument is returned by MergeDatasets when the target
// document was never indexed.
var ErrMissingDocument = errors.New("suggest: document not found")

// Hit is one completion match. Source is a copy of the indexed
// document; Term is the folded suggestion term that matched.
type Hit struct {
	Ref    string
	Term   string
	Score  float64
	Source Document
}

// Engine is the suggestion backend: schema provisioning, document
// upsert, an atomic dataset-membership merge, and ranked completion.
type Engine interface {
	// EnsureSchema destructively (re)provisions the index. All
	// previously indexed documents are dropped.
	EnsureSchema(ctx context.Context) error
	// Index stores the document keyed by its entity reference. An
	// existing document has its display fields and suggestion terms
	// replaced; its dataset memberships are preserved.
	Index(ctx context.Context, doc Document) error
	// MergeDatasets atomically adds dataset to the document's
	// membership set if absent. Idempotent.
	MergeDatasets(ctx context.Context, ref, dataset string) error
	// Complete returns up to size ranked matches for the folded input
	// prefix. No match is an empty slice, not an error.
	Complete(ctx context.Context, input string, size int) ([]Hit, error)
	// Count returns the number of indexed documents.
	Count() int
}

// CompletionEngine is the embedded Engine. Suggestion terms live in a
// sorted lexicon with compact postings; one RWMutex guards the whole
// structure, so the dataset merge is an atomic read-modify-write and
// never a client-side read-then-write.
type CompletionEngine struct {
	mu sync.RWMutex

	docs       map[string]Document
	docIDToNum map[string]uint32
	docNumToID []string

	termPostings map[string][]uint32 // folded term -> sorted doc numbers
	lexicon      []string            // sorted folded terms

	version          uint64
	persistedVersion uint64
}

// NewCompletionEngine creates an empty engine.
func NewCompletionEngine() *CompletionEngine {
	return &CompletionEngine{
		docs:         make(map[string]Document),
		docIDToNum:   make(map[string]uint32),
		termPostings: make(map[string][]uint32),
	}
}

func (e *CompletionEngine) markDirtyLocked() {
	e.version++
}

// IsDirty reports whether the engine changed since the last snapshot.
func (e *CompletionEngine) IsDirty() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version != e.persistedVersion
}

func (e *CompletionEngine) markPersisted(version uint64) {
	e.mu.Lock()
	if e.version == version {
		e.persistedVersion = version
	}
	e.mu.Unlock()
}

// Count implements Engine.
func (e *CompletionEngine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.docs)
}

// EnsureSchema implements Engine by dropping every document and
// starting from an empty index. Dropping an index that was never
// populated is a no-op, not an error.
func (e *CompletionEngine) EnsureSchema(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.docs = make(map[string]Document)
	e.docIDToNum = make(map[string]uint32)
	e.docNumToID = nil
	e.termPostings = make(map[string][]uint32)
	e.lexicon = nil
	e.markDirtyLocked()
	return nil
}

// Index implements Engine.
func (e *CompletionEngine) Index(ctx context.Context, doc Document) error {
	if doc.Entity == "" {
		return errors.New("suggest: document has no entity reference")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	docNum, existed := e.docIDToNum[doc.Entity]
	if existed {
		old := e.docs[doc.Entity]
		e.removeTermsLocked(docNum, old.Suggest)
		// Membership only grows through MergeDatasets.
		doc = doc.clone()
		doc.Datasets = append([]string(nil), old.Datasets...)
	} else {
		docNum = uint32(len(e.docNumToID))
		e.docIDToNum[doc.Entity] = docNum
		e.docNumToID = append(e.docNumToID, doc.Entity)
		doc = doc.clone()
	}

	e.docs[doc.Entity] = doc
	for _, term := range doc.Suggest {
		e.addTermLocked(Fold(term), docNum)
	}
	e.markDirtyLocked()
	return nil
}

// MergeDatasets implements Engine.
func (e *CompletionEngine) MergeDatasets(ctx context.Context, ref, dataset string) error {
	if dataset == "" {
		return errors.New("suggest: empty dataset id")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	doc, ok := e.docs[ref]
	if !ok {
		return ErrMissingDocument
	}
	if doc.InDataset(dataset) {
		return nil
	}

	ds := make([]string, 0, len(doc.Datasets)+1)
	ds = append(ds, doc.Datasets...)
	ds = append(ds, dataset)
	sort.Strings(ds)
	doc.Datasets = ds
	e.docs[ref] = doc
	e.markDirtyLocked()
	return nil
}

// Complete implements Engine.
func (e *CompletionEngine) Complete(ctx context.Context, input string, size int) ([]Hit, error) {
	if size <= 0 {
		return nil, nil
	}
	folded := Fold(input)
	if folded == "" {
		return nil, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	type candidate struct {
		score float64
		term  string
	}
	cands := make(map[uint32]candidate)
	consider := func(docNum uint32, score float64, term string) {
		c, ok := cands[docNum]
		if !ok || score > c.score || (score == c.score && term < c.term) {
			cands[docNum] = candidate{score: score, term: term}
		}
	}

	// Exact term match outranks prefix expansions.
	for _, docNum := range e.termPostings[folded] {
		consider(docNum, 1.0, folded)
	}

	start := sort.SearchStrings(e.lexicon, folded)
	expanded := 0
	for i := start; i < len(e.lexicon); i++ {
		term := e.lexicon[i]
		if !strings.HasPrefix(term, folded) {
			break
		}
		if term == folded {
			continue
		}
		for _, docNum := range e.termPostings[term] {
			consider(docNum, prefixWeight, term)
		}
		expanded++
		if expanded >= maxPrefixExpansions {
			break
		}
	}

	hits := make([]Hit, 0, len(cands))
	for docNum, c := range cands {
		ref := e.docNumToID[docNum]
		doc, ok := e.docs[ref]
		if !ok {
			continue
		}
		hits = append(hits, Hit{Ref: ref, Term: c.term, Score: c.score, Source: doc.clone()})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Term != hits[j].Term {
			return hits[i].Term < hits[j].Term
		}
		return hits[i].Ref < hits[j].Ref
	})
	if len(hits) > size {
		hits = hits[:size]
	}
	return hits, nil
}

func (e *CompletionEngine) addTermLocked(term string, docNum uint32) {
	if term == "" {
		return
	}
	postings, exists := e.termPostings[term]
	if !exists {
		e.insertLexiconTermLocked(term)
		e.termPostings[term] = []uint32{docNum}
		return
	}
	i := sort.Search(len(postings), func(i int) bool { return postings[i] >= docNum })
	if i < len(postings) && postings[i] == docNum {
		return
	}
	postings = append(postings, 0)
	copy(postings[i+1:], postings[i:])
	postings[i] = docNum
	e.termPostings[term] = postings
}

func (e *CompletionEngine) removeTermsLocked(docNum uint32, terms []string) {
	for _, raw := range terms {
		term := Fold(raw)
		postings, ok := e.termPostings[term]
		if !ok {
			continue
		}
		i := sort.Search(len(postings), func(i int) bool { return postings[i] >= docNum })
		if i >= len(postings) || postings[i] != docNum {
			continue
		}
		postings = append(postings[:i], postings[i+1:]...)
		if len(postings) == 0 {
			delete(e.termPostings, term)
			e.removeLexiconTermLocked(term)
		} else {
			e.termPostings[term] = postings
		}
	}
}

func (e *CompletionEngine) insertLexiconTermLocked(term string) {
	i := sort.SearchStrings(e.lexicon, term)
	if i < len(e.lexicon) && e.lexicon[i] == term {
		return
	}
	e.lexicon = append(e.lexicon, "")
	copy(e.lexicon[i+1:], e.lexicon[i:])
	e.lexicon[i] = term
}

func (e *CompletionEngine) removeLexiconTermLocked(term string) {
	i := sort.SearchStrings(e.lexicon, term)
	if i >= len(e.lexicon) || e.lexicon[i] != term {
		return
	}
	copy(e.lexicon[i:], e.lexicon[i+1:])
	e.lexicon = e.lexicon[:len(e.lexicon)-1]
}
