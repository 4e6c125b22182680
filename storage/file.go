// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// FileStore persists all keys in a single JSON document. Every write replaces the
// document through a temporary file and a rename so readers never observe a partial write.
type FileStore struct {
	mu     sync.Mutex
	path   string
	values map[string][]byte
}

type fileSnapshot struct {
	Values map[string][]byte `json:"values"`
}

// NewFileStore opens or creates the store at path.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path:   path,
		values: map[string][]byte{},
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	value, ok := f.values[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (f *FileStore) Set(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	previous, existed := f.values[key]
	stored := make([]byte, len(value))
	copy(stored, value)
	f.values[key] = stored

	if err := f.save(); err != nil {
		if existed {
			f.values[key] = previous
		} else {
			delete(f.values, key)
		}
		return err
	}
	return nil
}

func (f *FileStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	previous, existed := f.values[key]
	if !existed {
		return nil
	}
	delete(f.values, key)

	if err := f.save(); err != nil {
		f.values[key] = previous
		return err
	}
	return nil
}

func (f *FileStore) save() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return errors.Wrap(err, "failed to create storage directory")
	}
	data, err := json.Marshal(fileSnapshot{Values: f.values})
	if err != nil {
		return errors.Wrap(err, "failed to encode storage snapshot")
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "failed to write storage snapshot")
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return errors.Wrap(err, "failed to replace storage file")
	}
	return nil
}

func (f *FileStore) load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to read storage file %s", f.path)
	}
	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return errors.Wrapf(err, "failed to decode storage file %s", f.path)
	}
	if snap.Values != nil {
		f.values = snap.Values
	}
	return nil
}
