//go:build unix && !windows

package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

type unixDeviceLock struct {
	file *os.File
}

func acquireDeviceLock(deviceKey string) (DeviceLock, error) {
	lockPath, err := unixDeviceLockPath(deviceKey)
	if err != nil {
		return nil, err
	}

	// #nosec G304 -- lockPath is built from process-owned runtime/temp directories.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open device lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		if isUnixLockContention(err) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceBusy, deviceKey)
		}

		return nil, fmt.Errorf("acquire device file lock: %w", err)
	}

	return &unixDeviceLock{file: file}, nil
}

func (l *unixDeviceLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	fd := int(l.file.Fd())
	unlockErr := syscall.Flock(fd, syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil && !errors.Is(unlockErr, syscall.EBADF) {
		return fmt.Errorf("unlock device file lock: %w", unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close device lock file: %w", closeErr)
	}

	return nil
}

func unixDeviceLockPath(deviceKey string) (string, error) {
	lockDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if lockDir != "" {
		lockDir = filepath.Join(lockDir, lockNamespace)
	} else {
		lockDir = filepath.Join(os.TempDir(), lockNamespace+"-"+strconv.Itoa(os.Getuid()))
	}

	if err := os.MkdirAll(lockDir, 0o700); err != nil {
		return "", fmt.Errorf("create device lock dir: %w", err)
	}

	return filepath.Join(lockDir, "device-"+deviceKey+".lock"), nil
}

func isUnixLockContention(err error) bool {
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN)
}
