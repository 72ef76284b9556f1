package vectorstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var bucketCollections = []byte("_collections")

// BoltStore implements Store on a local BoltDB file. Each collection is a
// top-level bucket and search is brute force, which suits single-user deployments.
type BoltStore struct {
	db *bbolt.DB
}

type storedPassage struct {
	Text   string      `json:"t"`
	Meta   PassageMeta `json:"m"`
	Vector []float32   `json:"v"`
}

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCollections)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create collections bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) CreateCollection(_ context.Context, name string, dimension int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
		meta := tx.Bucket(bucketCollections)
		if meta.Get([]byte(name)) != nil {
			return nil
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(dimension))
		return meta.Put([]byte(name), buf)
	})
}

func (s *BoltStore) CollectionExists(_ context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket([]byte(name)) != nil
		return nil
	})
	return exists, err
}

func (s *BoltStore) DeleteCollection(_ context.Context, name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(name)); err != nil && err != bbolt.ErrBucketNotFound {
			return fmt.Errorf("failed to delete collection: %w", err)
		}
		return tx.Bucket(bucketCollections).Delete([]byte(name))
	})
}

// Upsert writes all passages in a single transaction.
func (s *BoltStore) Upsert(_ context.Context, name string, passages []Passage) error {
	if len(passages) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(name))
		if b == nil {
			return fmt.Errorf("collection %s not found", name)
		}
		dim := collectionDimension(tx, name)

		for _, p := range passages {
			if dim > 0 && len(p.Vector) != dim {
				return fmt.Errorf("vector dimension mismatch: expected %d, got %d", dim, len(p.Vector))
			}
			data, err := json.Marshal(storedPassage{Text: p.Text, Meta: p.Meta, Vector: p.Vector})
			if err != nil {
				return err
			}
			if err := b.Put([]byte(p.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Search scores every passage in the collection by cosine similarity.
func (s *BoltStore) Search(_ context.Context, name string, vector []float32, k int, filter Filter) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	var matches []Match
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(name))
		if b == nil {
			return fmt.Errorf("collection %s not found", name)
		}
		if dim := collectionDimension(tx, name); dim > 0 && len(vector) != dim {
			return fmt.Errorf("query dimension mismatch: expected %d, got %d", dim, len(vector))
		}

		return b.ForEach(func(key, value []byte) error {
			var stored storedPassage
			if err := json.Unmarshal(value, &stored); err != nil {
				return nil // Skip corrupted entries
			}
			if !matchesFilter(stored.Meta, filter) {
				return nil
			}
			matches = append(matches, Match{
				Passage: Passage{
					ID:   string(key),
					Text: stored.Text,
					Meta: stored.Meta,
				},
				Distance: cosineToDistance(cosineSimilarity(vector, stored.Vector)),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *BoltStore) Delete(_ context.Context, name string, filter Filter) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(name))
		if b == nil {
			return nil
		}

		var doomed [][]byte
		err := b.ForEach(func(key, value []byte) error {
			var stored storedPassage
			if err := json.Unmarshal(value, &stored); err != nil {
				return nil
			}
			if matchesFilter(stored.Meta, filter) {
				doomed = append(doomed, append([]byte(nil), key...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, key := range doomed {
			if err := b.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Count(_ context.Context, name string, filter Filter) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(name))
		if b == nil {
			return nil
		}
		if filter.IsEmpty() {
			n = b.Stats().KeyN
			return nil
		}
		return b.ForEach(func(_, value []byte) error {
			var stored storedPassage
			if err := json.Unmarshal(value, &stored); err == nil && matchesFilter(stored.Meta, filter) {
				n++
			}
			return nil
		})
	})
	return n, err
}

func collectionDimension(tx *bbolt.Tx, name string) int {
	raw := tx.Bucket(bucketCollections).Get([]byte(name))
	if len(raw) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(raw))
}

func matchesFilter(meta PassageMeta, filter Filter) bool {
	return filter.DocumentID == "" || meta.DocumentID == filter.DocumentID
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Ensure BoltStore implements Store
var _ Store = (*BoltStore)(nil)
