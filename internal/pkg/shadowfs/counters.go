package shadowfs

// Counters tracks process-lifetime monotonic totals: node instances
// created, lstat syscalls issued, and policy-gated accesses. The whole
// engine is single-threaded, so these are plain counters, not atomics.
type Counters struct {
	Instances int64
	StatCalls int64
	Accesses  int64
}

func (c *Counters) instance() { c.Instances++ }
func (c *Counters) stat()     { c.StatCalls++ }
func (c *Counters) access()   { c.Accesses++ }
