// Package clock abstracts time behind ports.Clock so quota and rate
// windows can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"

	"github.com/leafwise/leafmeter/ports"
)

// Real reads the system clock.
type Real struct{}

func (Real) Now() time.Time {
	return time.Now()
}

// Fake is a manually advanced clock. Tests move it past window
// boundaries and cooldowns instead of sleeping.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a fake clock pinned to t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Ensure interface compliance.
var (
	_ ports.Clock = Real{}
	_ ports.Clock = (*Fake)(nil)
)
