package ratelimit

import "time"

var NewWithClock = newPacer

// Clock is a manually advanced time source.
type Clock struct{ T time.Time }

func (c *Clock) Now() time.Time          { return c.T }
func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }
