// Package locker provides the two exclusion primitives the engine needs: a
// process-level pidfile so only one scheduler runs per host, and an
// in-process keyed mutex serialising syncs per (partner, event).
package locker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// PidfileInfo is the JSON body written into the lock file.
type PidfileInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Pidfile is an exclusive flock-backed lock file. A second process attempting
// to acquire the same path fails immediately.
type Pidfile struct {
	path string
	file *os.File
}

// AcquirePidfile takes the exclusive lock at path and records the current
// PID and start time. Returns an error when another live process holds it.
func AcquirePidfile(path string) (*Pidfile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		var held PidfileInfo
		if data, rerr := os.ReadFile(path); rerr == nil {
			_ = json.Unmarshal(data, &held)
		}
		f.Close()
		if held.PID != 0 {
			return nil, fmt.Errorf("lock %s held by pid %d since %s", path, held.PID, held.StartedAt.Format(time.RFC3339))
		}
		return nil, fmt.Errorf("lock %s held by another process: %w", path, err)
	}

	info := PidfileInfo{PID: os.Getpid(), StartedAt: time.Now().UTC()}
	data, err := json.Marshal(info)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("marshal pidfile: %w", err)
	}
	if err := f.Truncate(0); err == nil {
		_, err = f.WriteAt(data, 0)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("write pidfile: %w", err)
	}

	return &Pidfile{path: path, file: f}, nil
}

// Release drops the lock and removes the file.
func (p *Pidfile) Release() error {
	if p.file == nil {
		return nil
	}
	err := syscall.Flock(int(p.file.Fd()), syscall.LOCK_UN)
	p.file.Close()
	p.file = nil
	if rmErr := os.Remove(p.path); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

// KeyedMutex hands out non-blocking exclusive locks by string key. TryLock
// either takes the lock immediately or reports it busy; there is no queueing,
// because a busy event is simply skipped this cycle and retried next tick.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewKeyedMutex builds an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: make(map[string]struct{})}
}

// TryLock takes the lock for key, reporting whether it was free.
func (m *KeyedMutex) TryLock(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.held[key]; busy {
		return false
	}
	m.held[key] = struct{}{}
	return true
}

// Unlock releases key. Unlocking a key that is not held panics: it always
// indicates a double-release bug.
func (m *KeyedMutex) Unlock(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; !ok {
		panic(fmt.Sprintf("locker: unlock of unheld key %q", key))
	}
	delete(m.held, key)
}

// Held reports the number of currently held keys.
func (m *KeyedMutex) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}
