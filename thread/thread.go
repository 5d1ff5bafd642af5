// Package thread adjusts the OS scheduling of the calling goroutine.
package thread

// Range of realtime priorities accepted by Realtime.
const (
	MinPriority = 1
	MaxPriority = 99
)
