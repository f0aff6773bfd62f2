// Package lock implements the repository-wide lock directory described in
// §9: at most one exclusive lock (held by a writer: backup, prune, vacuum,
// config) may exist at a time, and it excludes every other lock, exclusive
// or shared; any number of shared locks (held by readers: list, info,
// mount) may coexist as long as no exclusive lock is present. Unlike a
// single flock(2) call, the lock is visible as a directory of small records
// so that a stale lock left by a dead process can be diagnosed and removed.
package lock

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dswd/zvault/internal/debug"
	"github.com/dswd/zvault/internal/errors"
	"github.com/dswd/zvault/internal/wire"
)

// StaleAfter is the age after which a lock is considered abandoned,
// whether or not its owning process is still alive. A younger lock is
// abandoned only if it was created on this host by a process that no
// longer exists.
var StaleAfter = 30 * time.Minute

// ErrLocked is returned when the requested lock conflicts with a lock
// already held by another process.
var ErrLocked = errors.New("repository is locked")

// record is the on-disk representation of one held lock. It is encoded with
// the same field-numbered scheme as bundle records so that a future field
// (a lock reason, say) can be added without breaking old readers.
type record struct {
	Hostname  string
	PID       int
	Username  string
	Time      time.Time
	Exclusive bool
}

const (
	fieldHostname  int8 = 0
	fieldPID       int8 = 1
	fieldUsername  int8 = 2
	fieldTime      int8 = 3
	fieldExclusive int8 = 4
)

func (r record) encode() ([]byte, error) {
	w := wire.NewWriter()
	w.Field(fieldHostname, r.Hostname != "", r.Hostname)
	w.Field(fieldPID, true, uint64(r.PID))
	w.Field(fieldUsername, r.Username != "", r.Username)
	w.Field(fieldTime, true, uint64(r.Time.Unix()))
	w.Field(fieldExclusive, r.Exclusive, r.Exclusive)
	return w.Bytes()
}

func decodeRecord(data []byte) (record, error) {
	r := record{}
	var unixTime uint64
	err := func() error {
		rd, err := wire.NewReader(data)
		if err != nil {
			return err
		}
		for {
			id, ok, err := rd.Next()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			switch id {
			case fieldHostname:
				err = rd.Decode(&r.Hostname)
			case fieldPID:
				var v uint64
				if err = rd.Decode(&v); err == nil {
					r.PID = int(v)
				}
			case fieldUsername:
				err = rd.Decode(&r.Username)
			case fieldTime:
				err = rd.Decode(&unixTime)
			case fieldExclusive:
				err = rd.Decode(&r.Exclusive)
			default:
				err = rd.Skip()
			}
			if err != nil {
				return err
			}
		}
	}()
	r.Time = time.Unix(int64(unixTime), 0)
	return r, err
}

// Lock represents one held lock on a repository. Callers must call Unlock
// once they are done, typically via defer.
type Lock struct {
	dir    string
	name   string
	record record
}

// Acquire takes a lock in dir, the repository's locks directory. When
// exclusive is true it fails with ErrLocked unless the directory is
// completely free of live locks; otherwise it fails only if a live
// exclusive lock exists.
func Acquire(dir string, exclusive bool) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "MkdirAll")
	}

	if err := checkConflict(dir, exclusive, ""); err != nil {
		return nil, err
	}

	rec := record{
		PID:       os.Getpid(),
		Time:      time.Now(),
		Exclusive: exclusive,
	}
	if hn, err := os.Hostname(); err == nil {
		rec.Hostname = hn
	}
	if u, err := user.Current(); err == nil {
		rec.Username = u.Username
	}

	name := lockName(rec)
	data, err := rec.encode()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0600); err != nil {
		return nil, errors.Wrap(err, "WriteFile")
	}

	l := &Lock{dir: dir, name: name, record: rec}

	// Re-check after publishing: a concurrent lock acquired in the window
	// between our own check and our own write could have raced us.
	if err := checkConflict(dir, exclusive, name); err != nil {
		_ = l.Unlock()
		return nil, err
	}

	debug.Log("acquired %v lock %v", levelName(exclusive), name)
	return l, nil
}

func levelName(exclusive bool) string {
	if exclusive {
		return "exclusive"
	}
	return "shared"
}

func lockName(rec record) string {
	return rec.Hostname + "-" + strconv.Itoa(rec.PID) + "-" + strconv.FormatInt(rec.Time.UnixNano(), 10)
}

// checkConflict reports whether acquiring a lock of the given level would
// conflict with any live lock currently in dir, ignoring the file named
// except (typically the caller's own, just-written lock).
func checkConflict(dir string, exclusive bool, except string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "ReadDir")
	}

	for _, e := range entries {
		if e.IsDir() || e.Name() == except {
			continue
		}
		r, err := load(dir, e.Name())
		if err != nil {
			debug.Log("ignoring unreadable lock %v: %v", e.Name(), err)
			continue
		}
		if stale(r) {
			debug.Log("ignoring stale lock %v", e.Name())
			continue
		}
		if exclusive || r.Exclusive {
			return ErrLocked
		}
	}
	return nil
}

func load(dir, name string) (record, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return record{}, errors.Wrap(err, "ReadFile")
	}
	return decodeRecord(data)
}

// stale reports whether r is older than StaleAfter, or was created on this
// host by a process that no longer exists.
func stale(r record) bool {
	if time.Since(r.Time) > StaleAfter {
		return true
	}
	hn, err := os.Hostname()
	if err != nil || hn != r.Hostname {
		return false
	}
	return !processExists(r.PID)
}

// Unlock releases the lock. Unlocking an already-released lock is a no-op.
func (l *Lock) Unlock() error {
	if l == nil || l.name == "" {
		return nil
	}
	debug.Log("releasing %v lock %v", levelName(l.record.Exclusive), l.name)
	err := os.Remove(filepath.Join(l.dir, l.name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "Remove")
	}
	l.name = ""
	return nil
}

// Refresh rewrites the lock with a fresh timestamp so that other processes
// don't mistake a long-running operation for a stale, abandoned lock.
func (l *Lock) Refresh() error {
	l.record.Time = time.Now()
	data, err := l.record.encode()
	if err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(filepath.Join(l.dir, l.name), data, 0600), "WriteFile")
}
