//go:build !linux

package thread

import "errors"

// Realtime is only supported on linux.
func Realtime(priority int) error {
	return errors.New("thread: realtime scheduling is only supported on linux")
}
