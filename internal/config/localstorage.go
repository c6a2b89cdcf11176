package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
)

// LocalStorageFile is the name of the key/value file inside the data directory.
const LocalStorageFile = "localstorage.json"

// LocalStorage is a persistent string key/value map kept in one JSON file.
// Every write replaces the file atomically.
type LocalStorage struct {
	path string
	mu   sync.Mutex
}

// NewLocalStorage returns a store backed by path. The file is created lazily.
func NewLocalStorage(path string) *LocalStorage {
	return &LocalStorage{path: path}
}

// Path returns the backing file path.
func (l *LocalStorage) Path() string { return l.path }

// GetItem returns the value stored under key.
func (l *LocalStorage) GetItem(key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	items, err := l.load()
	if err != nil {
		return "", false, err
	}
	v, ok := items[key]
	return v, ok, nil
}

// SetItem stores value under key.
func (l *LocalStorage) SetItem(key, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	items, err := l.load()
	if err != nil {
		return err
	}
	items[key] = value
	return l.save(items)
}

// RemoveItem deletes key. Removing a missing key is not an error.
func (l *LocalStorage) RemoveItem(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	items, err := l.load()
	if err != nil {
		return err
	}
	if _, ok := items[key]; !ok {
		return nil
	}
	delete(items, key)
	return l.save(items)
}

func (l *LocalStorage) load() (map[string]string, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read local storage: %w", err)
	}
	items := map[string]string{}
	if len(data) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode local storage %s: %w", l.path, err)
	}
	return items, nil
}

func (l *LocalStorage) save(items map[string]string) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(l.path, data, 0o600); err != nil {
		return fmt.Errorf("write local storage: %w", err)
	}
	return nil
}
