// Package stats implements the teacher's always-on/always-off debug
// counters (Counter_t/Cycles_t), minus the bare-metal Rdtsc() hook that
// only exists in the teacher's patched runtime — ordinary wall-clock deltas
// serve the same diagnostic purpose in a hosted Go process.
package stats

import (
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"
)

// Enabled gates whether Counter/Cycles record anything at all, matching the
// teacher's compile-time Stats/Timing constants but settable at runtime so
// tests can assert on counts.
var Enabled = false

// Counter is a monotonically increasing statistics counter.
type Counter int64

// Inc increments the counter when stats collection is enabled.
func (c *Counter) Inc() {
	if Enabled {
		atomic.AddInt64((*int64)(c), 1)
	}
}

// Value reads the current count.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Cycles accumulates elapsed wall-clock nanoseconds between a recorded
// start and Add's call time.
type Cycles int64

// Add records the nanoseconds elapsed since start, when enabled.
func (c *Cycles) Add(start time.Time) {
	if Enabled {
		atomic.AddInt64((*int64)(c), int64(time.Since(start)))
	}
}

// Value reads the accumulated duration.
func (c *Cycles) Value() time.Duration {
	return time.Duration(atomic.LoadInt64((*int64)(c)))
}

// Dump renders every Counter/Cycles field of st as a human-readable report,
// mirroring the teacher's Stats2String.
func Dump(st any) string {
	if !Enabled {
		return ""
	}
	v := reflect.ValueOf(st)
	var b strings.Builder
	for i := 0; i < v.NumField(); i++ {
		ft := v.Field(i).Type().String()
		name := v.Type().Field(i).Name
		switch {
		case strings.HasSuffix(ft, "Counter"):
			fmt.Fprintf(&b, "\n\t#%s: %d", name, v.Field(i).Interface().(Counter))
		case strings.HasSuffix(ft, "Cycles"):
			fmt.Fprintf(&b, "\n\t#%s: %s", name, time.Duration(v.Field(i).Interface().(Cycles)))
		}
	}
	b.WriteByte('\n')
	return b.String()
}
