package offer

import "testing"

func TestLockSingleHolder(t *testing.T) {
	m := NewLockManager()
	if !m.TryAcquire("d1", "s1") {
		t.Fatal("first acquire should succeed")
	}
	if m.TryAcquire("d1", "s2") {
		t.Fatal("second session must not acquire a held lock")
	}
	if !m.TryAcquire("d1", "s1") {
		t.Fatal("re-acquire by the holder should succeed")
	}
	if h, ok := m.Holder("d1"); !ok || h != "s1" {
		t.Fatalf("expected holder s1, got %q %v", h, ok)
	}
}

func TestReleaseByNonHolderIsNoOp(t *testing.T) {
	m := NewLockManager()
	m.TryAcquire("d1", "s1")
	m.Release("d1", "s2")
	if _, ok := m.Holder("d1"); !ok {
		t.Fatal("release by non-holder must not free the lock")
	}
	m.Release("d1", "s1")
	if !m.TryAcquire("d1", "s2") {
		t.Fatal("lock should be free after holder release")
	}
}
