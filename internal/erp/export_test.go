package erp

import "time"

// SetClock replaces the client's time source.
func (c *Client) SetClock(now func() time.Time) {
	c.now = now
}
