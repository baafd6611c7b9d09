// Package instancelock enforces that only one supervisor process runs
// at a time for a given base directory. It pairs a POSIX advisory
// flock (the source of truth for exclusivity) with a single-line pid
// file (used only for operator-facing reporting of who holds the
// lock) the way the daemon's Windows counterpart paired a named kernel
// handle with a JSON pid file.
package instancelock

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Lock represents a held exclusive lock on a daemon.lock file.
type Lock struct {
	file *os.File
	path string
}

// ErrAlreadyRunning is returned by Acquire when another process already
// holds the lock.
type ErrAlreadyRunning struct {
	PID int
}

func (e *ErrAlreadyRunning) Error() string {
	return fmt.Sprintf("another instance is already running (pid %d)", e.PID)
}

// Acquire takes an exclusive, non-blocking flock on <dir>/daemon.lock
// and writes the caller's pid to <dir>/daemon.pid. If the lock is
// already held, it returns *ErrAlreadyRunning describing the holder,
// read from the pid file on a best-effort basis.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lockPath := dir + "/daemon.lock"
	pidPath := dir + "/daemon.pid"

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			holder, _ := ReadPID(pidPath)
			return nil, &ErrAlreadyRunning{PID: holder}
		}
		return nil, err
	}

	if err := writePIDFile(pidPath, os.Getpid()); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, err
	}

	return &Lock{file: f, path: pidPath}, nil
}

// Release drops the flock and removes the pid file.
func (l *Lock) Release() error {
	defer l.file.Close()
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		return err
	}
	return os.Remove(l.path)
}

func writePIDFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// ReadPID reads the single-line pid recorded at path. It returns 0 if
// the file is missing or malformed.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, nil
	}
	return pid, nil
}

// IsAlive reports whether pid refers to a live process, by sending it
// the null signal. A pid file whose process is not alive is treated
// as "not running" by callers, never as a crash that needs recovery.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// Running reports whether the daemon.pid recorded under dir names a
// live process. It does not take the flock, so it is safe to call from
// an operator CLI that only wants to report status.
func Running(dir string) (pid int, running bool, err error) {
	pid, err = ReadPID(dir + "/daemon.pid")
	if err != nil {
		return 0, false, err
	}
	if pid == 0 {
		return 0, false, nil
	}
	return pid, IsAlive(pid), nil
}
