// Package usage keeps per-day request counters in a bbolt file for the
// management surface.
package usage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	totalsBucket = "totals"
	dayLayout    = "2006-01-02"
)

// Outcome labels a finished request for accounting.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Store accumulates counters keyed by surface, model and outcome. One bucket
// per UTC day, plus a running totals bucket.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the usage database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open usage store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Key builds the counter key for a surface, model and outcome.
func Key(surface, model string, outcome Outcome) string {
	if model == "" {
		model = "default"
	}
	return fmt.Sprintf("%s|%s|%s", surface, model, outcome)
}

// Record increments the day counter and the running total for one request.
func (s *Store) Record(surface, model string, outcome Outcome) error {
	key := []byte(Key(surface, model, outcome))
	day := []byte(time.Now().UTC().Format(dayLayout))
	log.Debugf("usage: %s", key)
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{day, []byte(totalsBucket)} {
			b, err := tx.CreateBucketIfNotExists(name)
			if err != nil {
				return err
			}
			if err = b.Put(key, encodeCounter(decodeCounter(b.Get(key))+1)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Snapshot returns every bucket keyed by name (day or "totals").
func (s *Store) Snapshot() (map[string]map[string]uint64, error) {
	out := make(map[string]map[string]uint64)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			counters := make(map[string]uint64)
			if err := b.ForEach(func(k, v []byte) error {
				counters[string(k)] = decodeCounter(v)
				return nil
			}); err != nil {
				return err
			}
			out[string(name)] = counters
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func encodeCounter(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

func decodeCounter(v []byte) uint64 {
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}
