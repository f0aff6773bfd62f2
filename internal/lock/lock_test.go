package lock_test

import (
	"path/filepath"
	"testing"

	"github.com/dswd/zvault/internal/lock"
	rtest "github.com/dswd/zvault/internal/test"
)

func locksDir(t *testing.T) string {
	return filepath.Join(rtest.TempDir(t), "locks")
}

func TestExclusiveExcludesEverything(t *testing.T) {
	dir := locksDir(t)

	l, err := lock.Acquire(dir, true)
	rtest.OK(t, err)
	defer func() { rtest.OK(t, l.Unlock()) }()

	_, err = lock.Acquire(dir, false)
	rtest.Assert(t, err == lock.ErrLocked, "expected shared lock to be rejected while exclusive is held")

	_, err = lock.Acquire(dir, true)
	rtest.Assert(t, err == lock.ErrLocked, "expected second exclusive lock to be rejected")
}

func TestMultipleSharedLocksCoexist(t *testing.T) {
	dir := locksDir(t)

	l1, err := lock.Acquire(dir, false)
	rtest.OK(t, err)
	defer func() { rtest.OK(t, l1.Unlock()) }()

	l2, err := lock.Acquire(dir, false)
	rtest.OK(t, err)
	defer func() { rtest.OK(t, l2.Unlock()) }()

	_, err = lock.Acquire(dir, true)
	rtest.Assert(t, err == lock.ErrLocked, "expected exclusive lock to be rejected while shared locks are held")
}

func TestUnlockAllowsReacquire(t *testing.T) {
	dir := locksDir(t)

	l, err := lock.Acquire(dir, true)
	rtest.OK(t, err)
	rtest.OK(t, l.Unlock())

	l2, err := lock.Acquire(dir, true)
	rtest.OK(t, err)
	rtest.OK(t, l2.Unlock())
}

func TestRefreshKeepsLockAlive(t *testing.T) {
	dir := locksDir(t)

	l, err := lock.Acquire(dir, true)
	rtest.OK(t, err)
	defer func() { rtest.OK(t, l.Unlock()) }()

	rtest.OK(t, l.Refresh())
}

func TestStaleExclusiveLockIsIgnored(t *testing.T) {
	dir := locksDir(t)

	old := lock.StaleAfter
	lock.StaleAfter = 0
	defer func() { lock.StaleAfter = old }()

	l, err := lock.Acquire(dir, true)
	rtest.OK(t, err)

	// With StaleAfter effectively zero, the lock held above is immediately
	// stale from any subsequent caller's perspective.
	l2, err := lock.Acquire(dir, true)
	rtest.OK(t, err)
	rtest.OK(t, l2.Unlock())
	rtest.OK(t, l.Unlock())
}
