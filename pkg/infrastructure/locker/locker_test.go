package locker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestPidfile_AcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")

	p, err := AcquirePidfile(path)
	if err != nil {
		t.Fatalf("AcquirePidfile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pidfile: %v", err)
	}
	var info PidfileInfo
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("decode pidfile: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("pidfile PID = %d, want %d", info.PID, os.Getpid())
	}

	if err := p.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("pidfile still present after release")
	}
}

func TestPidfile_SecondAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")

	p, err := AcquirePidfile(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer p.Release()

	if _, err := AcquirePidfile(path); err == nil {
		t.Fatal("second acquire succeeded while lock held")
	}
}

func TestPidfile_ReacquireAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")

	p, err := AcquirePidfile(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := p.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	p2, err := AcquirePidfile(path)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	p2.Release()
}

func TestKeyedMutex(t *testing.T) {
	m := NewKeyedMutex()

	if !m.TryLock("p1/ev1") {
		t.Fatal("first TryLock failed")
	}
	if m.TryLock("p1/ev1") {
		t.Fatal("second TryLock on held key succeeded")
	}
	if !m.TryLock("p1/ev2") {
		t.Fatal("TryLock on different key failed")
	}
	if got := m.Held(); got != 2 {
		t.Errorf("Held = %d, want 2", got)
	}

	m.Unlock("p1/ev1")
	if !m.TryLock("p1/ev1") {
		t.Fatal("TryLock after Unlock failed")
	}
}

func TestKeyedMutex_DoubleUnlockPanics(t *testing.T) {
	m := NewKeyedMutex()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on unlock of unheld key")
		}
	}()
	m.Unlock("never-held")
}
