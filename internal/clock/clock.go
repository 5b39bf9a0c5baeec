// Package clock abstracts the agent's time sources so the payload state
// machine can be driven deterministically in tests.
package clock

import (
	"time"

	"github.com/shirou/gopsutil/v3/host"
)

// Clock provides the three time sources the update core depends on.
// WallclockTime is subject to NTP jumps and is used for persisted deadlines
// (backoff expiry, P2P attempt window). MonotonicTime is used for in-process
// durations. BootTime identifies the current boot; a change between process
// runs means the machine rebooted.
type Clock interface {
	WallclockTime() time.Time
	MonotonicTime() time.Time
	BootTime() time.Time
}

// System reads the real clocks.
type System struct{}

func NewSystem() *System { return &System{} }

func (*System) WallclockTime() time.Time { return time.Now() }

// MonotonicTime returns a reading that carries the runtime monotonic clock;
// subtracting two readings is immune to wallclock steps.
func (*System) MonotonicTime() time.Time { return time.Now() }

func (*System) BootTime() time.Time {
	secs, err := host.BootTime()
	if err != nil {
		// Fall back to "now"; callers only compare for change.
		return time.Now()
	}
	return time.Unix(int64(secs), 0)
}

// Fake is a manually-advanced clock for tests.
type Fake struct {
	Wall time.Time
	Mono time.Time
	Boot time.Time
}

// NewFake returns a fake clock starting at a fixed instant.
func NewFake(start time.Time) *Fake {
	return &Fake{Wall: start, Mono: start, Boot: start.Add(-time.Hour)}
}

func (f *Fake) WallclockTime() time.Time { return f.Wall }
func (f *Fake) MonotonicTime() time.Time { return f.Mono }
func (f *Fake) BootTime() time.Time      { return f.Boot }

// Advance moves wallclock and monotonic time forward together.
func (f *Fake) Advance(d time.Duration) {
	f.Wall = f.Wall.Add(d)
	f.Mono = f.Mono.Add(d)
}

// Reboot moves the boot identity forward, as a restart after reboot would
// observe.
func (f *Fake) Reboot() {
	f.Boot = f.Wall
}
