//go:build unix

package replicastore

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const lockFileName = "LOCK"

type dirLock struct {
	file *os.File
}

// lockDir takes an exclusive, non-blocking flock of the directory's LOCK file.
func lockDir(dir string) (*dirLock, error) {
	f, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.WithMessage(err, "opening lock file")
	}
	if err = setFileLock(f, true); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errors.WithMessage(ErrLocked, dir)
		}
		return nil, errors.WithMessage(err, "locking replica directory")
	}
	return &dirLock{file: f}, nil
}

func (l *dirLock) unlock() error {
	if err := setFileLock(l.file, false); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}

func setFileLock(f *os.File, lock bool) error {
	how := unix.LOCK_UN
	if lock {
		how = unix.LOCK_EX
	}
	return unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
}
