// Package system provides the wall clock used to stamp normalized records.
package system

import "time"

// Clock implements crawler.Clock using time.Now in a fixed location.
type Clock struct {
	loc *time.Location
}

// New returns a UTC clock.
func New() *Clock {
	return &Clock{loc: time.UTC}
}

// InLocation returns a clock reporting times in loc. A nil loc means UTC.
func InLocation(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loc: loc}
}

// Named loads an IANA zone name such as "Europe/London". "Local" and "UTC"
// are accepted as well.
func Named(name string) (*Clock, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	return InLocation(loc), nil
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	if c == nil || c.loc == nil {
		return time.Now().UTC()
	}
	return time.Now().In(c.loc)
}
