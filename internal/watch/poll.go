package watch

import (
	"os"
	"time"
)

// fileState is the stable metadata snapshot used by pollWatcher to detect
// changes between ticks.
type fileState struct {
	exists  bool
	size    int64
	modTime time.Time
}

func statPath(path string) fileState {
	info, err := os.Stat(path)
	if err != nil {
		return fileState{exists: false}
	}
	return fileState{exists: true, size: info.Size(), modTime: info.ModTime()}
}

// diff compares the previous and current snapshot of one path and reports
// the event type to emit, if any.
func diff(prev, cur fileState) (EventType, bool) {
	switch {
	case !prev.exists && cur.exists:
		return EventCreate, true
	case prev.exists && !cur.exists:
		return EventDelete, true
	case prev.exists && cur.exists && (prev.size != cur.size || prev.modTime != cur.modTime):
		return EventWrite, true
	default:
		return "", false
	}
}
