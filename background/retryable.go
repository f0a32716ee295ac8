package background

import (
	"errors"
	"syscall"
)

// IsRetryable reports whether err is a transient filesystem failure, such
// as a handle held open by another process. Retryable failures are logged
// at Warn, others at Error; either way the operation stays queued.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	for _, e := range retryableErrnos {
		if errno == e {
			return true
		}
	}
	return errno.Temporary() || errno.Timeout()
}
