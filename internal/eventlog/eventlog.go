// Package eventlog keeps a bounded in-process record of dispatch outcomes.
//
// The log is not persisted; it answers "/log" and nothing else. Ownership
// lives with the composition root, which injects it into the dispatcher
// (writes) and the command core (reads).
package eventlog

import (
	"fmt"
	"sync"
	"time"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFail    Status = "fail"
)

// Entry is one dispatch outcome.
type Entry struct {
	Status Status
	ItemID int64
	At     time.Time
	Detail string
}

func (e Entry) String() string {
	tag := "[SUCCESS]"
	if e.Status == StatusFail {
		tag = "[FAIL]"
	}
	s := fmt.Sprintf("%s item id=%d at %s", tag, e.ItemID, e.At.Format("2006-01-02 15:04:05"))
	if e.Detail != "" {
		s += ": " + e.Detail
	}
	return s
}

const DefaultCapacity = 100

// Log is a concurrency-safe bounded ring: appends past capacity evict the
// oldest entry first.
type Log struct {
	mu  sync.Mutex
	max int
	buf []Entry
}

func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{max: capacity}
}

func (l *Log) Append(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, e)
	if len(l.buf) > l.max {
		l.buf = append(l.buf[:0], l.buf[len(l.buf)-l.max:]...)
	}
}

// Recent returns up to n entries, oldest first, newest last.
func (l *Log) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.buf) {
		n = len(l.buf)
	}
	out := make([]Entry, n)
	copy(out, l.buf[len(l.buf)-n:])
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}
