// Package pidfile implements the PID file external collaborator (§6):
// writing the daemon's process ID to a file under an exclusive lock, so a
// second instance started against the same path fails fast instead of
// silently running alongside the first.
//
// The original opens the file with O_CREAT and takes an advisory lockf(3)
// lock that is released automatically when the process exits or the file
// descriptor is closed. golang.org/x/sys/unix's Flock is the direct Go
// equivalent of that advisory-lock call.
package pidfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// File is an open, exclusively-locked PID file. Its zero value (as
// returned when path is empty) is valid and inert.
type File struct {
	f *os.File
}

// Create opens path, takes a non-blocking exclusive lock on it, and
// writes the current process ID. An empty path is a no-op that always
// succeeds, matching the original's "no PID file configured" case.
//
// Create fails if the file cannot be opened, the lock is already held by
// another process, or the PID cannot be written — in every failure case
// any partially-created file state is cleaned up before returning.
func Create(path string) (*File, error) {
	if path == "" {
		return &File{}, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("pidfile: opening %s: %w", path, err)
	}

	if err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("pidfile: locking %s: %w", path, err)
	}

	if err = f.Truncate(0); err != nil {
		_ = f.Close()
		_ = os.Remove(path)

		return nil, fmt.Errorf("pidfile: truncating %s: %w", path, err)
	}

	if _, err = fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		_ = f.Close()
		_ = os.Remove(path)

		return nil, fmt.Errorf("pidfile: writing %s: %w", path, err)
	}

	return &File{f: f}, nil
}

// Close releases the lock, closes the file, and removes it. It is safe to
// call on the inert zero value returned for an empty path.
func (p *File) Close() error {
	if p == nil || p.f == nil {
		return nil
	}

	path := p.f.Name()
	_ = unix.Flock(int(p.f.Fd()), unix.LOCK_UN)
	err := p.f.Close()
	_ = os.Remove(path)

	return err
}
