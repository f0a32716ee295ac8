//go:build unix

package background

import (
	"syscall"

	"golang.org/x/sys/unix"
)

var retryableErrnos = []syscall.Errno{
	unix.EBUSY,
	unix.EAGAIN,
	unix.ETXTBSY,
	unix.EACCES,
	unix.EPERM,
	unix.ETIMEDOUT,
}
