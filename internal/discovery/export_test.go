package discovery

import "time"

// SetNow overrides the discoverer's clock for external tests.
func (d *Discoverer) SetNow(now func() time.Time) { d.now = now }
