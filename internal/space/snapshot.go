package space

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"

	"github.com/chagge/kge-server/internal/metrics"
)

// snapshotRow is the parquet schema of a space snapshot. Metadata maps
// travel as JSON so the file stays a plain tabular artifact readable
// by any parquet tool.
type snapshotRow struct {
	ID          int32     `parquet:"id"`
	Entity      string    `parquet:"entity"`
	Vector      []float32 `parquet:"vector"`
	Label       string    `parquet:"label"`
	Description string    `parquet:"description"`
	AltLabel    string    `parquet:"alt_label"`
}

// SaveSnapshot writes the space to a zstd-compressed parquet file,
// creating parent directories as needed.
func (s *Space) SaveSnapshot(path string) error {
	recs := s.Records()

	rows := make([]snapshotRow, len(recs))
	for i, rec := range recs {
		label, err := encodeMetaMap(rec.Label)
		if err != nil {
			return fmt.Errorf("encoding label for %q: %w", rec.Ref, err)
		}
		description, err := encodeMetaMap(rec.Description)
		if err != nil {
			return fmt.Errorf("encoding description for %q: %w", rec.Ref, err)
		}
		altLabel, err := encodeMetaMap(rec.AltLabel)
		if err != nil {
			return fmt.Errorf("encoding alt labels for %q: %w", rec.Ref, err)
		}
		rows[i] = snapshotRow{
			ID:          int32(i),
			Entity:      rec.Ref,
			Vector:      rec.Vector,
			Label:       label,
			Description: description,
			AltLabel:    altLabel,
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		metrics.SnapshotOperationsTotal.WithLabelValues("space", "save", "error").Inc()
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		metrics.SnapshotOperationsTotal.WithLabelValues("space", "save", "error").Inc()
		return fmt.Errorf("creating snapshot file: %w", err)
	}

	pw := parquet.NewGenericWriter[snapshotRow](file, parquet.Compression(&parquet.Zstd))
	if _, err := pw.Write(rows); err != nil {
		file.Close()
		metrics.SnapshotOperationsTotal.WithLabelValues("space", "save", "error").Inc()
		return fmt.Errorf("writing snapshot rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		file.Close()
		metrics.SnapshotOperationsTotal.WithLabelValues("space", "save", "error").Inc()
		return fmt.Errorf("closing snapshot writer: %w", err)
	}
	if err := file.Close(); err != nil {
		metrics.SnapshotOperationsTotal.WithLabelValues("space", "save", "error").Inc()
		return fmt.Errorf("closing snapshot file: %w", err)
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()

	metrics.SnapshotOperationsTotal.WithLabelValues("space", "save", "ok").Inc()
	s.log.Info().Str("path", path).Int("vectors", len(rows)).Msg("space snapshot saved")
	return nil
}

// Dirty reports whether the space changed since the last snapshot.
func (s *Space) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// LoadSnapshot reads a parquet snapshot into a fresh space. A missing
// file surfaces as os.ErrNotExist for the caller to translate.
func LoadSnapshot(path, name string, cfg Config, logger zerolog.Logger) (*Space, error) {
	file, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			metrics.SnapshotOperationsTotal.WithLabelValues("space", "load", "error").Inc()
		}
		return nil, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		metrics.SnapshotOperationsTotal.WithLabelValues("space", "load", "error").Inc()
		return nil, fmt.Errorf("stat snapshot file: %w", err)
	}
	pf, err := parquet.OpenFile(file, stat.Size())
	if err != nil {
		metrics.SnapshotOperationsTotal.WithLabelValues("space", "load", "error").Inc()
		return nil, fmt.Errorf("opening snapshot parquet: %w", err)
	}

	pr := parquet.NewGenericReader[snapshotRow](pf)
	defer pr.Close()

	sp := New(name, cfg, logger)
	rows := make([]snapshotRow, 256)
	for {
		n, err := pr.Read(rows)
		for _, row := range rows[:n] {
			if err := appendSnapshotRow(sp, row); err != nil {
				metrics.SnapshotOperationsTotal.WithLabelValues("space", "load", "error").Inc()
				return nil, err
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			metrics.SnapshotOperationsTotal.WithLabelValues("space", "load", "error").Inc()
			return nil, fmt.Errorf("reading snapshot rows: %w", err)
		}
	}

	sp.mu.Lock()
	sp.dirty = false
	sp.mu.Unlock()

	metrics.SnapshotOperationsTotal.WithLabelValues("space", "load", "ok").Inc()
	sp.log.Info().Str("path", path).Int("vectors", sp.Len()).Msg("space snapshot loaded")
	return sp, nil
}

func appendSnapshotRow(sp *Space, row snapshotRow) error {
	label, err := decodeStringMap(row.Label)
	if err != nil {
		return fmt.Errorf("decoding label for %q: %w", row.Entity, err)
	}
	description, err := decodeStringMap(row.Description)
	if err != nil {
		return fmt.Errorf("decoding description for %q: %w", row.Entity, err)
	}
	altLabel, err := decodeStringsMap(row.AltLabel)
	if err != nil {
		return fmt.Errorf("decoding alt labels for %q: %w", row.Entity, err)
	}
	_, err = sp.Append(context.Background(), Record{
		Ref:         row.Entity,
		Label:       label,
		Description: description,
		AltLabel:    altLabel,
		Vector:      row.Vector,
	})
	if err != nil {
		return fmt.Errorf("restoring row %d: %w", row.ID, err)
	}
	return nil
}

func encodeMetaMap(m any) (string, error) {
	switch v := m.(type) {
	case map[string]string:
		if len(v) == 0 {
			return "", nil
		}
	case map[string][]string:
		if len(v) == 0 {
			return "", nil
		}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeStringMap(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeStringsMap(raw string) (map[string][]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string][]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
