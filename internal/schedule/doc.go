// Package schedule implements the slot timetable: a fixed, ordered set of
// daily posting times in one timezone, and the pure assignment functions
// built on it.
package schedule
