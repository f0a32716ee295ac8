//go:build windows

package background

import (
	"syscall"

	"golang.org/x/sys/windows"
)

var retryableErrnos = []syscall.Errno{
	windows.ERROR_SHARING_VIOLATION,
	windows.ERROR_LOCK_VIOLATION,
	windows.ERROR_ACCESS_DENIED,
	windows.ERROR_BUSY,
	windows.ERROR_SEM_TIMEOUT,
}
