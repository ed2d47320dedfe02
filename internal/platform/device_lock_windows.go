//go:build windows

package platform

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

type windowsDeviceLock struct {
	handle windows.Handle
}

func acquireDeviceLock(deviceKey string) (DeviceLock, error) {
	sid, err := windowsCurrentUserSID()
	if err != nil {
		return nil, err
	}

	namePtr, err := windows.UTF16PtrFromString(windowsDeviceMutexName(deviceKey, sid))
	if err != nil {
		return nil, fmt.Errorf("encode device mutex name: %w", err)
	}

	handle, err := windows.CreateMutex(nil, false, namePtr)
	if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		if handle != 0 {
			_ = windows.CloseHandle(handle)
		}

		return nil, fmt.Errorf("%w: %s", ErrDeviceBusy, deviceKey)
	}
	if err != nil {
		if handle != 0 {
			_ = windows.CloseHandle(handle)
		}

		return nil, fmt.Errorf("create device mutex: %w", err)
	}

	return &windowsDeviceLock{handle: handle}, nil
}

func (l *windowsDeviceLock) Release() error {
	if l == nil || l.handle == 0 {
		return nil
	}

	err := windows.CloseHandle(l.handle)
	l.handle = 0
	if err != nil {
		return fmt.Errorf("close device mutex handle: %w", err)
	}

	return nil
}

func windowsCurrentUserSID() (string, error) {
	token := windows.GetCurrentProcessToken()
	tokenUser, err := token.GetTokenUser()
	if err != nil {
		return "", fmt.Errorf("read current user token: %w", err)
	}

	return tokenUser.User.Sid.String(), nil
}

func windowsDeviceMutexName(deviceKey, userSID string) string {
	return `Local\` + lockNamespace + `-device-` + deviceKey + `-` + normalizeLockComponent(userSID, "sid")
}
