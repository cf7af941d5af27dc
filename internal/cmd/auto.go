package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/miyabi-org/miyabi/internal/build"
	"github.com/miyabi-org/miyabi/internal/common/apperr"
	"github.com/miyabi-org/miyabi/internal/common/config"
	"github.com/miyabi-org/miyabi/internal/common/fileutil"
	"github.com/miyabi-org/miyabi/internal/common/logger"
	"github.com/miyabi-org/miyabi/internal/common/logger/tag"
	"github.com/miyabi-org/miyabi/internal/common/stringutil"
	"github.com/miyabi-org/miyabi/internal/dispatch"
	"github.com/miyabi-org/miyabi/internal/session"
	"github.com/miyabi-org/miyabi/internal/supervisor"
	"github.com/miyabi-org/miyabi/internal/telemetry"
	"github.com/miyabi-org/miyabi/internal/telemetry/journal"
	"github.com/miyabi-org/miyabi/internal/telemetry/notify"
	"github.com/miyabi-org/miyabi/internal/worktree"
)

func Auto() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "auto",
			Short: "Run the autonomous supervisor loop",
			Long: `Watch the repository and keep the most urgent work item moving.

Each cycle lists the open items, scores them, dispatches the agent the
highest-priority item needs next, and advances its state label. The loop
stops on SIGINT/SIGTERM, after --max-duration, or once the error budget
is spent. With --scan-todos, idle cycles convert source markers (TODO,
FIXME, HACK, NOTE) into issues.

Example:
  miyabi auto --interval 30
  miyabi auto --max-duration 60 --scan-todos
  miyabi auto --dry-run --json
`,
			Args: cobra.NoArgs,
		}, autoFlags, runAuto,
	)
}

var autoFlags = []commandLineFlag{
	ownerFlag, repoFlag, intervalFlag, maxDurationFlag, scanTodosFlag, excludeFlag, dryRunFlag,
}

func runAuto(ctx *Context, _ []string) error {
	owner, repo, mainBranch, err := ctx.RepoIdentity()
	if err != nil {
		return err
	}

	cfg := supervisorConfig(ctx, owner, repo)

	gw, err := ctx.Gateway()
	if err != nil {
		return err
	}
	store, err := ctx.Artifacts()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info(ctx, "Signal received, stopping after the current cycle", "signal", sig.String())
			cancel()
		case <-runCtx.Done():
		}
	}()

	sessions, trees := buildSessions(ctx, mainBranch)
	if sessions != nil {
		go sessionJanitor(runCtx, sessions, trees)
		defer sessions.CleanupAll(context.WithoutCancel(ctx))
	}

	rig, err := buildTelemetry(runCtx, ctx.Config, sessions)
	if err != nil {
		return err
	}
	rig.Start(runCtx)
	defer rig.Close(ctx.Context)

	var opts []dispatch.DispatcherOption
	if cfg.DryRun {
		opts = append(opts, dispatch.WithDryRun())
	}
	dispatcher := dispatch.NewDispatcher(dispatch.Capabilities{
		Gateway:   gw,
		Artifacts: store,
		Sessions:  sessions,
		Emitter:   rig.Stream,
	}, opts...)

	sup, err := supervisor.New(cfg, gw, dispatcher,
		supervisor.WithEmitter(rig.Stream),
		supervisor.WithTracer(rig.Tracer),
	)
	if err != nil {
		return err
	}

	logger.Info(ctx, "Supervisor starting", tag.Repo(owner, repo),
		tag.Duration(cfg.Interval), "dryRun", cfg.DryRun)

	summary, runErr := sup.Run(runCtx)
	cancel()
	rig.Wait()

	if runErr != nil && runCtx.Err() == nil {
		return runErr
	}

	message := fmt.Sprintf("stopped: %s after %d cycles", summary.StopReason, summary.Cycles)
	return ctx.Emit(summary, message, func(w io.Writer) {
		renderSummary(w, summary)
	})
}

// supervisorConfig merges the flag overrides onto the loaded configuration.
func supervisorConfig(ctx *Context, owner, repo string) supervisor.Config {
	cfg := supervisor.Config{
		Owner:       owner,
		Repo:        repo,
		Interval:    ctx.Config.Supervisor.Interval,
		MaxDuration: ctx.Config.Supervisor.MaxDuration,
		ScanTodos:   ctx.Config.Supervisor.ScanTodos,
		ScanRoot:    ctx.Config.Supervisor.ScanRoot,
		Excludes:    ctx.Config.Supervisor.ScanExcludes,
		Schedule:    ctx.Config.Supervisor.Schedule,
	}
	cfg.MaxConcurrency, cfg.MaxRetries = schedulerBounds(ctx)

	flags := ctx.Command.Flags()
	if n, err := flags.GetInt("interval"); err == nil && n > 0 {
		cfg.Interval = time.Duration(n) * time.Second
		cfg.Schedule = ""
	}
	if n, err := flags.GetInt("max-duration"); err == nil && n > 0 {
		cfg.MaxDuration = time.Duration(n) * time.Minute
	}
	if flags.Changed("scan-todos") {
		cfg.ScanTodos, _ = flags.GetBool("scan-todos")
	}
	if extra, err := flags.GetStringSlice("exclude"); err == nil {
		cfg.Excludes = append(cfg.Excludes, extra...)
	}
	cfg.DryRun, _ = flags.GetBool("dry-run")
	return cfg
}

// schedulerBounds resolves the plan execution caps, deriving the
// concurrency limit from host capacity when the configuration leaves it at
// zero.
func schedulerBounds(ctx *Context) (maxConcurrency, maxRetries int) {
	maxConcurrency = ctx.Config.Scheduler.MaxConcurrency
	if maxConcurrency == 0 {
		maxConcurrency = telemetry.DeriveMaxConcurrency(ctx)
		logger.Info(ctx, "Derived scheduler concurrency from host capacity",
			"maxConcurrency", maxConcurrency)
	}
	return maxConcurrency, ctx.Config.Scheduler.MaxRetries
}

// buildSessions wires the worktree-backed session layer when the command
// runs inside a git checkout. Outside one there is nothing to branch from,
// so agents fall back to artifact-only runs.
func buildSessions(ctx *Context, mainBranch string) (*session.Manager, *worktree.Manager) {
	wd, err := os.Getwd()
	if err != nil || !fileutil.FileExists(filepath.Join(wd, ".git")) {
		logger.Info(ctx, "Not inside a git checkout, agents run without session worktrees")
		return nil, nil
	}

	baseDir := ctx.Config.Worktree.BaseDir
	if !filepath.IsAbs(baseDir) {
		baseDir = filepath.Join(wd, baseDir)
	}

	wtOpts := []worktree.Option{
		worktree.WithBranchPrefix(ctx.Config.Worktree.BranchPrefix),
		worktree.WithMaxIdleTime(ctx.Config.Worktree.MaxIdleTime),
	}
	if mainBranch != "" {
		wtOpts = append(wtOpts, worktree.WithMainBranch(mainBranch))
	}
	trees := worktree.New(wd, baseDir, wtOpts...)

	sessions := session.NewManager(trees,
		session.WithMaxConcurrent(ctx.Config.Session.MaxConcurrent),
		session.WithTimeout(ctx.Config.Session.Timeout),
	)
	logger.Info(ctx, "Session worktrees enabled", tag.Dir(baseDir),
		"maxConcurrent", ctx.Config.Session.MaxConcurrent)
	return sessions, trees
}

// sessionJanitor reaps timed-out sessions and idle worktrees once a minute.
// Live sessions get their trees touched first so a long run is never swept
// out from under its agent.
func sessionJanitor(ctx context.Context, sessions *session.Manager, trees *worktree.Manager) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, live := range sessions.Active() {
				trees.Touch(live.GroupID)
			}
			for _, dead := range sessions.CheckTimeouts(ctx) {
				trees.RemoveGroup(ctx, dead.GroupID)
			}
			if n := trees.Sweep(ctx); n > 0 {
				logger.Info(ctx, "Swept idle worktrees", "count", n)
			}
		}
	}
}

func renderSummary(w io.Writer, s supervisor.Summary) {
	fmt.Fprintf(w, "stopped: %s\n", s.StopReason)
	fmt.Fprintf(w, "  cycles:     %d\n", s.Cycles)
	fmt.Fprintf(w, "  executions: %d\n", s.Executions)
	fmt.Fprintf(w, "  skips:      %d\n", s.Skips)
	fmt.Fprintf(w, "  errors:     %d\n", s.Errors)
	fmt.Fprintf(w, "  elapsed:    %s\n", stringutil.FormatDuration(s.Elapsed))
}

// telemetryRig bundles the observability pipeline the loop runs under. All
// members are optional except the stream; Close releases them in reverse
// dependency order.
type telemetryRig struct {
	Stream     *telemetry.Stream
	Tracer     *telemetry.Tracer
	aggregator *telemetry.Aggregator
	monitor    *telemetry.Monitor
	engine     *telemetry.AlertEngine
	server     *telemetry.Server
	journal    *journal.Journal
	redis      *telemetry.RedisPublisher
	startTime  time.Time
}

// buildTelemetry assembles the stream, sinks, and surfaces the
// configuration names. A misconfigured sink fails the command; this is the
// operator's one chance to notice.
func buildTelemetry(ctx context.Context, cfg *config.Config, sessions *session.Manager) (*telemetryRig, error) {
	rig := &telemetryRig{
		aggregator: telemetry.NewAggregator(0, telemetry.Tariff{}),
		startTime:  time.Now(),
	}
	sinks := []telemetry.Sink{rig.aggregator}

	if driver := cfg.Telemetry.JournalDriver; driver != "" {
		j, err := journal.Open(ctx, driver, cfg.Telemetry.JournalDSN)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeConfig, err, "cannot open the telemetry journal")
		}
		rig.journal = j
		sinks = append(sinks, j)
	}

	if addr := cfg.Telemetry.RedisAddr; addr != "" {
		pub := telemetry.NewRedisPublisher(addr, cfg.Telemetry.RedisPassword,
			cfg.Telemetry.RedisDB, cfg.Telemetry.RedisChannel)
		if err := pub.Ping(ctx); err != nil {
			logger.Warn(ctx, "Redis publisher unreachable, events will be dropped", tag.Address(addr), tag.Error(err))
		}
		rig.redis = pub
		sinks = append(sinks, pub)
	}

	rig.Stream = telemetry.NewStream(0, sinks...)

	tracer, err := telemetry.NewTracer(ctx, telemetry.TraceConfig{
		Endpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure: cfg.Telemetry.OTLPInsecure,
		Version:  build.Version,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeConfig, err, "cannot initialize trace export")
	}
	rig.Tracer = tracer

	notifiers, err := buildNotifiers(cfg.Telemetry.Alerts)
	if err != nil {
		return nil, err
	}

	needMonitor := len(notifiers) > 0 || cfg.Telemetry.ServeAddr != ""
	if needMonitor {
		rig.monitor = telemetry.NewMonitor(0, 0, "")
	}
	if len(notifiers) > 0 {
		rig.engine = telemetry.NewAlertEngine(alertThresholds(cfg.Telemetry.Alerts),
			cfg.Telemetry.Alerts.Cooldown, rig.monitor, rig.aggregator, rig.Stream, notifiers...)
	}

	if addr := cfg.Telemetry.ServeAddr; addr != "" {
		collector := telemetry.NewCollector(telemetry.CollectorConfig{
			Version:    build.Version,
			StartTime:  rig.startTime,
			Sessions:   sessionSnapshots(sessions),
			Aggregator: rig.aggregator,
			Stream:     rig.Stream,
			Monitor:    rig.monitor,
		})
		rig.server = telemetry.NewServer(telemetry.ServerConfig{
			Addr:     addr,
			Registry: telemetry.NewRegistry(collector),
			Stream:   rig.Stream,
			Status: func() any {
				return map[string]any{
					"version":   build.Version,
					"uptime":    time.Since(rig.startTime).Round(time.Second).String(),
					"aggregate": rig.aggregator.Report(),
				}
			},
		})
	}

	return rig, nil
}

// sessionSnapshots adapts session statistics to the collector's snapshot
// shape. A nil manager yields a nil provider, which exports nothing.
func sessionSnapshots(sessions *session.Manager) func() telemetry.SessionSnapshot {
	if sessions == nil {
		return nil
	}
	return func() telemetry.SessionSnapshot {
		stats := sessions.Statistics()
		return telemetry.SessionSnapshot{
			Active:    stats.ByStatus[session.StatusInitializing] + stats.ByStatus[session.StatusRunning],
			Completed: stats.ByStatus[session.StatusCompleted],
			Failed:    stats.ByStatus[session.StatusFailed],
			TimedOut:  stats.ByStatus[session.StatusTimeout],
		}
	}
}

func buildNotifiers(a config.Alerts) ([]notify.Notifier, error) {
	var notifiers []notify.Notifier
	if a.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlack(a.SlackWebhook))
	}
	if a.DiscordToken != "" {
		d, err := notify.NewDiscord(a.DiscordToken, a.DiscordChannel)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeConfig, err, "cannot initialize the discord notifier")
		}
		notifiers = append(notifiers, d)
	}
	if a.TelegramToken != "" {
		t, err := notify.NewTelegram(a.TelegramToken, a.TelegramChatID)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeConfig, err, "cannot initialize the telegram notifier")
		}
		notifiers = append(notifiers, t)
	}
	return notifiers, nil
}

// alertThresholds fills unset fields with the stock policy.
func alertThresholds(a config.Alerts) telemetry.Thresholds {
	t := telemetry.DefaultThresholds()
	if a.CPUPercent > 0 {
		t.CPUPercent = a.CPUPercent
	}
	if a.MemoryPercent > 0 {
		t.MemoryPercent = a.MemoryPercent
	}
	if a.FailureRate > 0 {
		t.FailureRate = a.FailureRate
	}
	if a.MinThroughputPerMin > 0 {
		t.MinThroughputPerMin = a.MinThroughputPerMin
	}
	return t
}

// Start launches the background members. They all stop on ctx cancel.
func (r *telemetryRig) Start(ctx context.Context) {
	r.Stream.Start(ctx)
	if r.monitor != nil {
		go r.monitor.Run(ctx)
	}
	if r.engine != nil {
		go r.engine.Run(ctx, 0)
	}
	if r.server != nil {
		go func() {
			if err := r.server.Run(ctx); err != nil {
				logger.Error(ctx, "Telemetry server stopped", tag.Error(err))
			}
		}()
	}
}

// Wait gives the stream a bounded window to flush buffered events after
// the run context is canceled.
func (r *telemetryRig) Wait() {
	select {
	case <-r.Stream.Done():
	case <-time.After(3 * time.Second):
	}
}

// Close flushes the tracer and closes the sinks that hold connections.
func (r *telemetryRig) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.Tracer.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "Trace flush failed", tag.Error(err))
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			logger.Warn(ctx, "Journal close failed", tag.Error(err))
		}
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			logger.Warn(ctx, "Redis close failed", tag.Error(err))
		}
	}
}
