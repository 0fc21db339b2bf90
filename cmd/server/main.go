package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/quotaguard/internal/adminhttp"
	"github.com/keithlinneman/quotaguard/internal/cfg"
	"github.com/keithlinneman/quotaguard/internal/health"
	"github.com/keithlinneman/quotaguard/internal/httpmw"
	"github.com/keithlinneman/quotaguard/internal/mutation"
	"github.com/keithlinneman/quotaguard/internal/opshttp"
	"github.com/keithlinneman/quotaguard/internal/policy"
	"github.com/keithlinneman/quotaguard/internal/ratelimit"

	"github.com/keithlinneman/quotaguard/internal/httpserver"
	"github.com/keithlinneman/quotaguard/internal/log"
	"github.com/keithlinneman/quotaguard/internal/metrics"
	"github.com/keithlinneman/quotaguard/internal/otelx"
	"github.com/keithlinneman/quotaguard/internal/prof"
	v "github.com/keithlinneman/quotaguard/internal/version"
)

// drainPeriod is how long readiness fails before listeners close, long
// enough for the load balancer to notice.
const drainPeriod = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%s)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion, vi.Dirty(),
		)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging. Validate already rejected bad levels.
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.Dirty(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"trusted_hops", conf.TrustedHops,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"policy_source", conf.PolicySource,
		"policy_signing_key_arn", conf.PolicySigningKeyARN,
		"sweep_probability", conf.SweepProbability,
		"sweep_interval", conf.SweepInterval,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion("server", vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
		MutexProfileFraction: 5,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(err == nil && conf.EnablePyroscope)
	defer stopProf()

	// Insecure is true because we only export to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	pol, err := loadPolicy(ctx, L, conf)
	if err != nil {
		L.Error(ctx, err, "failed to load rate limit policy", "policy_source", conf.PolicySource)
		os.Exit(1)
	}
	m.SetPolicy(pol.Source, pol.Digest, time.Now())

	// separate stores so API probing never consumes mutation quota
	mutationStore := newStore(ctx, L, m, "mutation", conf)
	apiStore := newStore(ctx, L, m, "api", conf)

	limiter := ratelimit.NewHTTPLimiter(apiStore, pol.API)
	guard := mutation.NewGuard(mutationStore, pol.Mutation, L)
	// callers pick the subject, so the mutation API is only served to internal
	// peers on the ops listener and carries no per-IP limit
	mutationAPI := mutation.NewAPI(guard, nil, L)
	adminAPI := adminhttp.NewAPI(L, mutationStore, apiStore)

	var gate health.ShutdownGate
	readiness := gate.Probe()

	appHTTPStop, err := httpserver.Start(ctx, httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		RateLimit:    limiter,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start app http listener")
		os.Exit(1)
	}
	defer func() { _ = appHTTPStop(context.Background()) }()

	// the ops listener rejects public peers itself, in case the security group is ever misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, opshttp.Options{
		Logger:       L,
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		AdminRoutes: func(r chi.Router) {
			adminAPI.RegisterRoutes(r)
			mutationAPI.RegisterRoutes(r)
		},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills us after its timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	gate.Set("draining")
	L.Info(bg, "shutdown gate closed, draining", "drain_period", drainPeriod)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := appHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "app http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
}

// loadPolicy only builds AWS clients when the source lives in SSM or S3.
func loadPolicy(ctx context.Context, L log.Logger, conf cfg.App) (*policy.Policy, error) {
	opts := policy.LoaderOptions{Logger: L, Source: conf.PolicySource}

	kind, err := policy.ClassifySource(conf.PolicySource)
	if err != nil {
		return nil, err
	}
	if kind.NeedsAWS() {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}
		opts.SSMClient = ssm.NewFromConfig(awsCfg)
		opts.S3Client = s3.NewFromConfig(awsCfg)
		if conf.PolicySigningKeyARN != "" {
			opts.Verifier = policy.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.PolicySigningKeyARN)
		}
	}
	return policy.Load(ctx, opts)
}

func newStore(ctx context.Context, L log.Logger, m *metrics.ServerMetrics, name string, conf cfg.App) *ratelimit.Store {
	s := ratelimit.New(name,
		ratelimit.WithSweepProbability(conf.SweepProbability),
		// count every decision
		ratelimit.WithOnDecision(func(action string, d ratelimit.Decision) {
			m.ObserveDecision(name, action, d.Allowed)
		}),
		// log only the first rejection per key per window
		ratelimit.WithOnFirstDenied(func(subject, action string, d ratelimit.Decision) {
			m.ObserveWindowExhausted(name, action)
			L.Warn(ctx, "rate limit window exhausted",
				"store", name,
				"subject", subject,
				"action", action,
				"retry_after", d.RetryAfter,
			)
		}),
		ratelimit.WithOnSweep(func(removed, remaining int) {
			m.ObserveSweep(name, removed)
			if removed > 0 {
				L.Debug(ctx, "rate limit sweep", "store", name, "removed", removed, "remaining", remaining)
			}
		}),
	)
	if err := m.TrackEntries(name, s.Len); err != nil {
		L.Warn(ctx, "failed to register store size metric", "store", name, "error", err)
	}
	if conf.SweepInterval > 0 {
		go s.Run(ctx, conf.SweepInterval)
	}
	return s
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when started with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	_, _ = conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
