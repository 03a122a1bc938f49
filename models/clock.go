package models

import "time"

// NowMillis returns the current time as Unix milliseconds, the timestamp unit
// used by every persisted entity.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Clock lets stores and queues stamp records deterministically in tests.
type Clock func() int64

func (c Clock) Now() int64 {
	if c == nil {
		return NowMillis()
	}
	return c()
}
