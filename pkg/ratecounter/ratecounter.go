// Package `ratecounter` meters byte streams with `paulbellamy/ratecounter`.
// See <https://godoc.org/github.com/paulbellamy/ratecounter>.
package ratecounter

import (
	"sync/atomic"
	"time"

	"github.com/paulbellamy/ratecounter"
)

// `Meter` counts bytes.  `Rate()` is the number of bytes during the last
// interval, `Total()` the number since `NewMeter()`.
type Meter struct {
	rate  *ratecounter.RateCounter
	total atomic.Int64
}

func NewMeter(interval time.Duration) *Meter {
	return &Meter{rate: ratecounter.NewRateCounter(interval)}
}

// `Write()` implements `io.Writer`, so that a `Meter` can be used with
// `io.TeeReader()`.
func (m *Meter) Write(p []byte) (int, error) {
	n := int64(len(p))
	m.total.Add(n)
	m.rate.Incr(n)
	return len(p), nil
}

func (m *Meter) Rate() int64 {
	return m.rate.Rate()
}

func (m *Meter) Total() int64 {
	return m.total.Load()
}
