// Package persist keeps the gateway's small durable state in a JSON
// file: the router-assigned password and the last acknowledged mudlist
// and chanlist ids. Writes go through a temp file and rename so a crash
// never leaves a torn file behind.
package persist

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State is the file's contents. Everything here is recoverable from the
// router: the password by re-registering, the list ids by a full
// mudlist/chanlist resend.
type State struct {
	Password   string    `json:"password"`
	MudlistID  int       `json:"mudlist_id"`
	ChanlistID int       `json:"chanlist_id"`
	SavedAt    time.Time `json:"saved_at"`
}

// File is a concurrency-safe view over one state file.
type File struct {
	mu     sync.Mutex
	path   string
	state  State
	logger *log.Logger
}

// Open loads the state file, creating parent directories as needed. A
// missing file starts empty; an unreadable one is logged and discarded
// rather than blocking startup, since the router can resupply every
// field.
func Open(path string) (*File, error) {
	f := &File{
		path:   path,
		logger: log.New(log.Writer(), "[PERSIST] ", log.LstdFlags),
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if err := json.Unmarshal(raw, &f.state); err != nil {
		f.logger.Printf("state file %s is unreadable, starting fresh: %v", path, err)
		f.state = State{}
	}
	return f, nil
}

// Path returns the backing file location.
func (f *File) Path() string { return f.path }

// Password returns the stored router password, empty when none was ever
// assigned.
func (f *File) Password() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Password
}

// SetPassword stores a router-assigned password. Unchanged values do
// not touch the disk.
func (f *File) SetPassword(pw string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Password == pw {
		return nil
	}
	f.state.Password = pw
	return f.save()
}

// ListIDs returns the last persisted mudlist and chanlist ids.
func (f *File) ListIDs() (mudlistID, chanlistID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.MudlistID, f.state.ChanlistID
}

// SetListIDs records list id movement. The signature matches the
// services layer's observer hook; write failures are logged, not
// returned, because a missed save only costs one redundant delta on the
// next startup.
func (f *File) SetListIDs(mudlistID, chanlistID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.MudlistID == mudlistID && f.state.ChanlistID == chanlistID {
		return
	}
	f.state.MudlistID = mudlistID
	f.state.ChanlistID = chanlistID
	if err := f.save(); err != nil {
		f.logger.Printf("state save failed: %v", err)
	}
}

// save writes the state atomically. Callers hold f.mu. The file is
// 0600: the router password lives in it.
func (f *File) save() error {
	f.state.SavedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(&f.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
