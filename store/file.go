package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// fileContents is the on-disk layout of a FileStore.
type fileContents struct {
	Values map[string]json.RawMessage `json:"values"`
}

// FileStore persists values in a single JSON file. Writes take a lock file so
// several processes sharing the same state file do not lose each other's keys.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore backed by path. The parent directory is
// created when missing.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("state file path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	return &FileStore{path: path}, nil
}

// Path returns the backing file path.
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Get(key string, v any) (bool, error) {
	contents, err := f.load()
	if err != nil {
		return false, err
	}
	raw, ok := contents.Values[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return true, nil
}

func (f *FileStore) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	return f.update(func(values map[string]json.RawMessage) {
		values[key] = raw
	})
}

func (f *FileStore) Delete(keys ...string) error {
	return f.update(func(values map[string]json.RawMessage) {
		for _, k := range keys {
			delete(values, k)
		}
	})
}

// load reads the file. A missing file is an empty store.
func (f *FileStore) load() (*fileContents, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return &fileContents{Values: map[string]json.RawMessage{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var contents fileContents
	if err := json.Unmarshal(data, &contents); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	if contents.Values == nil {
		contents.Values = map[string]json.RawMessage{}
	}
	return &contents, nil
}

// update applies fn to the stored values under the file lock and writes the
// result back atomically.
func (f *FileStore) update(fn func(map[string]json.RawMessage)) error {
	lock, err := acquireFileLock(f.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			fmt.Fprintf(os.Stderr, "failed to release lock: %v\n", releaseErr)
		}
	}()

	// Re-read inside the lock; an unreadable file starts over empty
	contents, err := f.load()
	if err != nil {
		contents = &fileContents{Values: map[string]json.RawMessage{}}
	}

	fn(contents.Values)

	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return err
	}

	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, f.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
