package session

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCreateAndReuse(t *testing.T) {
	m := newTestManager(t)

	s1, err := m.Create("alice", "ds1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s1.ID == "" || s1.Username != "alice" || s1.Dataset != "ds1" {
		t.Fatalf("session = %+v", s1)
	}

	// Same username reuses the session.
	s2, err := m.Create("alice", "")
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if s2.ID != s1.ID {
		t.Fatalf("ids differ: %s vs %s", s1.ID, s2.ID)
	}
	if s2.Dataset != "ds1" {
		t.Fatalf("empty dataset should keep stored one, got %q", s2.Dataset)
	}

	// A different username gets its own session.
	s3, err := m.Create("bob", "ds2")
	if err != nil {
		t.Fatalf("Create bob: %v", err)
	}
	if s3.ID == s1.ID {
		t.Fatal("sessions should be per-user")
	}
}

func TestCreateOverridesDataset(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create("alice", "ds1"); err != nil {
		t.Fatal(err)
	}
	s, err := m.Create("alice", "ds2")
	if err != nil {
		t.Fatal(err)
	}
	if s.Dataset != "ds2" {
		t.Fatalf("dataset = %q, want override ds2", s.Dataset)
	}
}

func TestGet(t *testing.T) {
	m := newTestManager(t)
	created, err := m.Create("alice", "ds1")
	if err != nil {
		t.Fatal(err)
	}

	s, err := m.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s == nil || s.Username != "alice" {
		t.Fatalf("Get = %+v", s)
	}

	missing, err := m.Get("no-such-id")
	if err != nil {
		t.Fatalf("Get missing: %v", err)
	}
	if missing != nil {
		t.Fatal("unknown id should yield nil")
	}
}

func TestSetDataset(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create("alice", "ds1")
	if err != nil {
		t.Fatal(err)
	}

	ok, err := m.SetDataset(s.ID, "ds2")
	if err != nil || !ok {
		t.Fatalf("SetDataset = %v, %v", ok, err)
	}
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Dataset != "ds2" {
		t.Fatalf("dataset = %q, want ds2", got.Dataset)
	}

	ok, err = m.SetDataset("no-such-id", "ds2")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("unknown id should report false")
	}
}

func TestList(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create("alice", "ds1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create("bob", "ds1"); err != nil {
		t.Fatal(err)
	}

	sessions, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
}

func TestCleanup(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create("alice", "ds1"); err != nil {
		t.Fatal(err)
	}

	// Nothing is stale yet.
	n, err := m.Cleanup(time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 0 {
		t.Fatalf("removed %d sessions, want 0", n)
	}

	// A zero max age makes everything stale.
	n, err = m.Cleanup(-time.Second)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed %d sessions, want 1", n)
	}

	sessions, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Fatalf("sessions left = %d", len(sessions))
	}
}
