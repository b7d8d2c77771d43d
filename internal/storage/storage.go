// Package storage provides persistent storage for the loan risk service.
// It uses BoltDB as the underlying storage engine to store versioned model
// artifacts and finished training job records.
//
// The package provides thread-safe operations through BoltDB's transaction
// model with automatic bucket management.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	modelsBucket = "models" // Bucket name for versioned model artifacts
	jobsBucket   = "jobs"   // Bucket name for terminal training job records
)

// ErrNotFound is returned when a model or job key does not exist.
var ErrNotFound = errors.New("storage: not found")

// SavedModel is one versioned model artifact: the serialized ensemble plus
// the preprocessor state that produced its feature space.
type SavedModel struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Engine       []byte    `json:"engine"`
	Preprocessor []byte    `json:"preprocessor"`
}

// ModelInfo is the listing view of a saved model, without the artifact
// payload.
type ModelInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int       `json:"size_bytes"`
}

// Store provides persistent storage for model artifacts and job records
// using BoltDB.
type Store struct {
	db *bbolt.DB
}

// New creates a new storage instance with the specified data path.
// It initializes the BoltDB database and creates necessary buckets.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, "loanrisk-data.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(modelsBucket)); err != nil {
			return fmt.Errorf("create models bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(jobsBucket)); err != nil {
			return fmt.Errorf("create jobs bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection gracefully.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveModel stores a model artifact under its id, replacing any previous
// version with the same id.
func (s *Store) SaveModel(m SavedModel) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(modelsBucket))

		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal model %s: %w", m.ID, err)
		}
		return b.Put([]byte(m.ID), data)
	})
}

// LoadModel retrieves a model artifact by id.
func (s *Store) LoadModel(id string) (SavedModel, error) {
	var m SavedModel
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(modelsBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("model %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &m)
	})
	return m, err
}

// DeleteModel removes a model artifact by id.
func (s *Store) DeleteModel(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(modelsBucket))
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("model %s: %w", id, ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

// ListModels returns metadata for every saved model, newest first.
func (s *Store) ListModels() ([]ModelInfo, error) {
	var infos []ModelInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(modelsBucket)).ForEach(func(k, v []byte) error {
			var m SavedModel
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("model %s: %w", k, err)
			}
			infos = append(infos, ModelInfo{ID: m.ID, CreatedAt: m.CreatedAt, SizeBytes: len(m.Engine)})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(a, b int) bool { return infos[a].CreatedAt.After(infos[b].CreatedAt) })
	return infos, nil
}

// PutJob stores a terminal job record as raw JSON under its id.
func (s *Store) PutJob(id string, record []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(jobsBucket)).Put([]byte(id), record)
	})
}

// GetJob retrieves a persisted job record by id.
func (s *Store) GetJob(id string) ([]byte, error) {
	var record []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(jobsBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		record = append([]byte(nil), data...)
		return nil
	})
	return record, err
}

// DeleteJob removes a persisted job record by id. Deleting a missing record
// is not an error.
func (s *Store) DeleteJob(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(jobsBucket)).Delete([]byte(id))
	})
}
