package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"nbdeploy/internal/model"
)

var ErrNotFound = errors.New("not found")

// Store keeps the current deployment record per notebook.
type Store interface {
	SaveDeployment(ctx context.Context, rec model.DeploymentRecord) error
	GetDeployment(ctx context.Context, notebookPath string) (model.DeploymentRecord, error)
	ListDeployments(ctx context.Context) ([]model.DeploymentRecord, error)
	Close() error
}

type BadgerStore struct {
	db *badger.DB
}

// Open opens a badger store at path. An empty path keeps everything in memory.
func Open(path string) (*BadgerStore, error) {
	var opts badger.Options
	if strings.TrimSpace(path) == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path)).WithValueLogFileSize(1 << 20)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

const deploymentPrefix = "deployment:"

func deploymentKey(notebookPath string) []byte {
	return []byte(deploymentPrefix + notebookPath)
}

func (s *BadgerStore) SaveDeployment(_ context.Context, rec model.DeploymentRecord) error {
	if strings.TrimSpace(rec.NotebookPath) == "" {
		return errors.New("deployment record needs a notebook path")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode deployment: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(deploymentKey(rec.NotebookPath), data)
	})
}

func (s *BadgerStore) GetDeployment(_ context.Context, notebookPath string) (model.DeploymentRecord, error) {
	var out model.DeploymentRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(deploymentKey(notebookPath))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return model.DeploymentRecord{}, err
	}
	return out, nil
}

func (s *BadgerStore) ListDeployments(_ context.Context) ([]model.DeploymentRecord, error) {
	out := []model.DeploymentRecord{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(deploymentPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec model.DeploymentRecord
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
