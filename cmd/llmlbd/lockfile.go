package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// lockFile guards against a second llmlbd instance starting against the
// same data directory (spec §6: "refuses duplicate startup on the same
// port"), grounded on the original's bootstrap pidfile check. O_EXCL makes
// the create-if-absent check atomic; no library does anything more for a
// single local exclusive-create file than the stdlib already does.
type lockFile struct {
	path string
}

// acquireLock creates path exclusively and writes "pid port" into it. If the
// file already exists, it reports the process and port currently holding it.
func acquireLock(path string, port string) (*lockFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			holder, readErr := os.ReadFile(path)
			if readErr == nil {
				return nil, fmt.Errorf("llmlbd already running: %s", strings.TrimSpace(string(holder)))
			}
			return nil, fmt.Errorf("llmlbd already running (lock file %s exists)", path)
		}
		return nil, fmt.Errorf("acquire lock file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "pid=%s port=%s\n", strconv.Itoa(os.Getpid()), port); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &lockFile{path: path}, nil
}

// release removes the lock file. Safe to call once at shutdown.
func (l *lockFile) release() {
	if l == nil {
		return
	}
	os.Remove(l.path)
}
