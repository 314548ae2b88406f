package activity

import (
	"sync/atomic"
	"time"
)

// State holds the user's last activity and the last proactive outreach as
// Unix nanoseconds. Zero means unset. Writes are last-write-wins.
type State struct {
	lastActive   atomic.Int64
	lastOutreach atomic.Int64
}

// NewState starts the activity clock at start, normally process start.
func NewState(start time.Time) *State {
	s := &State{}
	s.Touch(start)
	return s
}

// Touch records user activity at t.
func (s *State) Touch(t time.Time) {
	if t.IsZero() {
		s.lastActive.Store(0)
		return
	}
	s.lastActive.Store(t.UnixNano())
}

func (s *State) LastActive() (time.Time, bool) { return load(&s.lastActive) }

func (s *State) RecordOutreach(t time.Time) { s.lastOutreach.Store(t.UnixNano()) }

func (s *State) LastOutreach() (time.Time, bool) { return load(&s.lastOutreach) }

func load(v *atomic.Int64) (time.Time, bool) {
	n := v.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}
