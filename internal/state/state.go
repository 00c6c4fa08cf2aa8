// Package state keeps the durable identity of an installation: which
// version is installed and which instance this is.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sparkyfit/updater/internal/update"
)

const (
	// VersionFile holds the installed version record.
	VersionFile = "version.json"
	// InstanceFile holds the instance id sent to the update service.
	InstanceFile = "instance_id"
)

// FileStore implements update.VersionStore on a JSON file.
type FileStore struct {
	path    string
	initial string

	mu sync.Mutex
}

// NewFileStore reads and writes path. Until the first Save, Current reports
// initialVersion, normally the version the binary was built for.
func NewFileStore(path, initialVersion string) *FileStore {
	return &FileStore{path: path, initial: initialVersion}
}

// Path returns the file location.
func (s *FileStore) Path() string {
	return s.path
}

// Current implements update.VersionStore.
func (s *FileStore) Current() (update.VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return update.VersionRecord{Version: s.initial}, nil
		}
		return update.VersionRecord{}, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	var rec update.VersionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return update.VersionRecord{}, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	if rec.Version == "" {
		return update.VersionRecord{}, fmt.Errorf("%s has no version", s.path)
	}
	return rec, nil
}

// Save replaces the version record atomically.
func (s *FileStore) Save(rec update.VersionRecord) error {
	p, err := s.prepare(rec)
	if err != nil {
		return err
	}
	defer p.Discard()
	return p.Commit()
}

// Prepare implements update.VersionStore. The record is written and synced
// to a temp file beside the version file; Commit renames it into place.
func (s *FileStore) Prepare(rec update.VersionRecord) (update.PendingVersion, error) {
	return s.prepare(rec)
}

func (s *FileStore) prepare(rec update.VersionRecord) (*pendingFile, error) {
	if rec.Version == "" {
		return nil, fmt.Errorf("refusing to save an empty version")
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode version record: %w", err)
	}

	tmp, err := stage(s.path, append(data, '\n'), 0644)
	if err != nil {
		return nil, err
	}
	return &pendingFile{store: s, tmp: tmp}, nil
}

type pendingFile struct {
	store *FileStore
	tmp   string
	done  bool
}

func (p *pendingFile) Commit() error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if p.done {
		return fmt.Errorf("version record already committed")
	}
	if err := os.Rename(p.tmp, p.store.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", p.store.path, err)
	}
	p.done = true
	return nil
}

func (p *pendingFile) Discard() error {
	if p.done {
		return nil
	}
	p.done = true
	if err := os.Remove(p.tmp); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// InstanceID returns the id stored in dir, creating one on first use.
func InstanceID(dir string) (string, error) {
	path := filepath.Join(dir, InstanceFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, perr := uuid.Parse(id); perr == nil {
			return id, nil
		}
		return "", fmt.Errorf("%s does not hold a valid instance id", path)
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	id := uuid.NewString()
	if err := writeAtomic(path, []byte(id+"\n"), 0644); err != nil {
		return "", err
	}
	return id, nil
}

// writeAtomic writes data to a temp file next to path and renames it over
// path.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := stage(path, data, perm)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// stage writes data to a synced temp file in the directory of path and
// returns its name.
func stage(path string, data []byte, perm os.FileMode) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	name := tmp.Name()
	fail := func(format string, err error) (string, error) {
		tmp.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf(format, path, err)
	}

	if _, err := tmp.Write(data); err != nil {
		return fail("failed to write %s: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("failed to sync %s: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fail("failed to set mode on %s: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return name, nil
}

var _ update.VersionStore = (*FileStore)(nil)
