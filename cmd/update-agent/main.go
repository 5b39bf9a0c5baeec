package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/skylift-os/update-agent/internal/clock"
	"github.com/skylift-os/update-agent/internal/config"
	"github.com/skylift-os/update-agent/internal/excluder"
	"github.com/skylift-os/update-agent/internal/logging"
	"github.com/skylift-os/update-agent/internal/metrics"
	"github.com/skylift-os/update-agent/internal/omaha"
	"github.com/skylift-os/update-agent/internal/payload"
	"github.com/skylift-os/update-agent/internal/pipeline"
	"github.com/skylift-os/update-agent/internal/policy"
	"github.com/skylift-os/update-agent/internal/prefs"
	"github.com/skylift-os/update-agent/internal/workerpool"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "update-agent",
	Short: "Skylift OS update agent",
	Long:  `Skylift update agent - checks for, downloads, and stages OS updates`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent with scheduled update checks",
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single interactive update check",
	Run: func(cmd *cobra.Command, args []string) {
		runOnce()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the persisted update attempt state",
	Run: func(cmd *cobra.Command, args []string) {
		printStatus()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Skylift update agent v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/skylift/update-agent.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// agent is the assembled object graph behind run/once.
type agent struct {
	cfg   *config.Config
	state *payload.State
	pipe  *pipeline.Pipeline
	store *prefs.BoltStore
	pw    *prefs.BoltStore
	pool  *workerpool.Pool
}

func buildAgent() (*agent, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	log := logging.L("main")

	store, err := prefs.Open(cfg.StateDBPath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	// Rollback state lives on the powerwash-safe partition; a device
	// without one just loses rollback bookkeeping.
	var pw *prefs.BoltStore
	if pw, err = prefs.Open(cfg.PowerwashDBPath); err != nil {
		log.Warn("powerwash-safe store unavailable", "path", cfg.PowerwashDBPath, "error", err)
		pw = nil
	}

	var pol policy.DevicePolicy
	if cfg.PolicyPath != "" {
		if pol, err = policy.LoadFile(cfg.PolicyPath); err != nil {
			log.Warn("device policy unreadable", "path", cfg.PolicyPath, "error", err)
		}
	}

	pool := workerpool.New(2, 64)
	var reporter metrics.Reporter = metrics.Noop{}
	if cfg.MetricsEnabled {
		reporter = metrics.NewServerReporter(cfg.ServerURL, pool)
	}

	exc := excluder.New(store)
	state := payload.New(&payload.Config{
		Store:          store,
		PowerwashStore: powerwashStore(pw),
		Clock:          clock.NewSystem(),
		Fuzzer:         payload.NewFuzzer(uint64(time.Now().UnixNano())),
		Metrics:        reporter,
		Excluder:       exc,
		Policy:         pol,
		Boot:           pipeline.NewKernelBoot(),
	})

	pipe := pipeline.New(pipeline.Config{
		Client: omaha.NewClient(omaha.ClientConfig{
			ServerURL: cfg.ServerURL,
			AppID:     cfg.AppID,
			Version:   osVersion(),
			Channel:   cfg.Channel,
		}),
		State:       state,
		Applier:     &pipeline.StagingApplier{Dir: cfg.DownloadDir},
		Excluder:    exc,
		DownloadDir: cfg.DownloadDir,
		P2PEnabled:  cfg.P2PEnabled,
	})

	return &agent{cfg: cfg, state: state, pipe: pipe, store: store, pw: pw, pool: pool}, nil
}

// powerwashStore keeps a typed nil from leaking into the interface field.
func powerwashStore(pw *prefs.BoltStore) prefs.Store {
	if pw == nil {
		return nil
	}
	return pw
}

func (a *agent) close() {
	a.pool.StopAccepting()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	a.pool.Drain(ctx)
	cancel()

	a.store.Close()
	if a.pw != nil {
		a.pw.Close()
	}
}

func runAgent() {
	a, err := buildAgent()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}
	defer a.close()
	log := logging.L("main")

	// Startup bookkeeping: notice a crashed previous run and an update that
	// never booted, before any new work starts.
	a.state.UpdateEngineStarted()
	a.state.ReportFailedBootIfNeeded()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One cycle at a time; a slow download outlasting the schedule interval
	// must not pile up.
	var busy sync.Mutex
	cycle := func() {
		if !busy.TryLock() {
			log.Debug("previous cycle still running, skipping")
			return
		}
		defer busy.Unlock()
		if err := a.pipe.RunOnce(ctx, false); err != nil {
			log.Warn("update cycle ended with error", "error", err)
		}
	}

	sched := cron.New()
	if _, err := sched.AddFunc(a.cfg.CheckSchedule, cycle); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid check_schedule %q: %v\n", a.cfg.CheckSchedule, err)
		os.Exit(1)
	}

	log.Info("update agent started",
		"version", version,
		"server", a.cfg.ServerURL,
		"schedule", a.cfg.CheckSchedule,
	)

	go cycle()
	sched.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	cancel()
	<-sched.Stop().Done()
	busy.Lock() // wait out an in-flight cycle
}

func runOnce() {
	a, err := buildAgent()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}
	defer a.close()

	a.state.UpdateEngineStarted()
	a.state.ReportFailedBootIfNeeded()

	if err := a.pipe.RunOnce(context.Background(), true); err != nil {
		fmt.Fprintf(os.Stderr, "Update failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Update check complete.")
}

func printStatus() {
	a, err := buildAgent()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read state: %v\n", err)
		os.Exit(1)
	}
	defer a.close()
	s := a.state

	fmt.Printf("Response signature:    %s\n", shortSig(s.ResponseSignature()))
	fmt.Printf("Responses seen:        %d\n", s.NumResponsesSeen())
	fmt.Printf("Payload index:         %d\n", s.PayloadIndex())
	fmt.Printf("URL index:             %d\n", s.URLIndex())
	fmt.Printf("URL failure count:     %d\n", s.URLFailureCount())
	fmt.Printf("URL switches:          %d\n", s.URLSwitchCount())
	fmt.Printf("Payload attempts:      %d\n", s.PayloadAttemptNumber())
	fmt.Printf("Full payload attempts: %d\n", s.FullPayloadAttemptNumber())
	if exp := s.BackoffExpiry(); !exp.IsZero() {
		fmt.Printf("Backoff until:         %s\n", exp.Format(time.RFC3339))
	} else {
		fmt.Println("Backoff until:         -")
	}
	fmt.Printf("Reboots this attempt:  %d\n", s.NumReboots())
	fmt.Printf("Attempt in progress:   %t\n", s.AttemptInProgress())
	for src := payload.SourceHTTPServer; src <= payload.SourceHTTPPeer; src++ {
		fmt.Printf("Bytes via %-12s %d current / %d total\n",
			src.String()+":", s.CurrentBytesDownloaded(src), s.TotalBytesDownloaded(src))
	}
	if s.RollbackHappened() {
		fmt.Printf("Rolled back from:      %s\n", s.RollbackVersion())
	}
}

func shortSig(sig string) string {
	if sig == "" {
		return "-"
	}
	if len(sig) > 12 {
		return sig[:12]
	}
	return sig
}

// osVersion reads VERSION_ID from os-release; the update server uses it to
// pick the right payload.
func osVersion() string {
	f, err := os.Open("/etc/os-release")
	if err != nil {
		return "0.0.0"
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if v, ok := strings.CutPrefix(line, "VERSION_ID="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return "0.0.0"
}
