package payload

import (
	"time"

	"github.com/skylift-os/update-agent/internal/clock"
	"github.com/skylift-os/update-agent/internal/excluder"
	"github.com/skylift-os/update-agent/internal/metrics"
	"github.com/skylift-os/update-agent/internal/omaha"
	"github.com/skylift-os/update-agent/internal/policy"
	"github.com/skylift-os/update-agent/internal/prefs"
)

// fixedFuzzer returns a constant perturbation, zero by default.
type fixedFuzzer time.Duration

func (f fixedFuzzer) Fuzz(time.Duration) time.Duration { return time.Duration(f) }

// fakeBoot is a BootControl pinned to one slot.
type fakeBoot struct {
	slot string
	ok   bool
}

func (b *fakeBoot) CurrentSlot() (string, bool) { return b.slot, b.ok }

var testEpoch = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	store    *prefs.MemStore
	pw       *prefs.MemStore
	excStore *prefs.MemStore
	clk      *clock.Fake
	rec      *metrics.Recorder
	exc      *excluder.PrefsExcluder
	boot     *fakeBoot
	state    *State
}

type envOpt func(*Config)

func withPolicy(p policy.DevicePolicy) envOpt {
	return func(c *Config) { c.Policy = p }
}

func withFuzzer(f Fuzzer) envOpt {
	return func(c *Config) { c.Fuzzer = f }
}

func newTestEnv(opts ...envOpt) *testEnv {
	env := &testEnv{
		store:    prefs.NewMem(),
		pw:       prefs.NewMem(),
		excStore: prefs.NewMem(),
		clk:      clock.NewFake(testEpoch),
		rec:      metrics.NewRecorder(),
		boot:     &fakeBoot{slot: "slot-a", ok: true},
	}
	env.exc = excluder.New(env.excStore)

	cfg := &Config{
		Store:          env.store,
		PowerwashStore: env.pw,
		Clock:          env.clk,
		Fuzzer:         fixedFuzzer(0),
		Metrics:        env.rec,
		Excluder:       env.exc,
		Boot:           env.boot,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	env.state = New(cfg)
	return env
}

// restart simulates a process restart over the same stores.
func (env *testEnv) restart() {
	env.state = New(&Config{
		Store:          env.store,
		PowerwashStore: env.pw,
		Clock:          env.clk,
		Fuzzer:         fixedFuzzer(0),
		Metrics:        env.rec,
		Excluder:       env.exc,
		Boot:           env.boot,
	})
}

// singlePackageResponse has one non-delta, non-excludable package with an
// HTTP and an HTTPS mirror.
func singlePackageResponse() *omaha.Response {
	return &omaha.Response{
		Packages: []omaha.Package{{
			Name:  "payload.bin",
			URLs:  []string{"http://a/payload.bin", "https://a/payload.bin"},
			Size:  700 << 20,
			Hash:  "aabbcc",
			AppID: "{platform}",
		}},
		MaxFailureCountPerURL: 3,
	}
}

// twoPackageResponse adds an excludable component package.
func twoPackageResponse() *omaha.Response {
	r := singlePackageResponse()
	r.Packages = append(r.Packages, omaha.Package{
		Name:       "component.bin",
		URLs:       []string{"https://a/component.bin"},
		Size:       10 << 20,
		Hash:       "ddeeff",
		AppID:      "{component}",
		CanExclude: true,
	})
	return r
}

func deltaResponse() *omaha.Response {
	r := singlePackageResponse()
	r.Packages[0].IsDelta = true
	return r
}
