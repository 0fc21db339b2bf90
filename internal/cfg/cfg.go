// Package cfg binds quotaguard's flags and their QUOTAGUARD_* environment fallbacks.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/quotaguard/internal/log"
	"github.com/keithlinneman/quotaguard/internal/policy"
	"github.com/keithlinneman/quotaguard/internal/ratelimit"
)

// EnvPrefix is prepended to the upper-cased flag name, e.g. QUOTAGUARD_HTTP_PORT.
const EnvPrefix = "QUOTAGUARD_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	TrustedHops int

	EnablePprof     bool
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64

	PolicySource        string
	PolicySigningKeyARN string
	SweepProbability    float64
	SweepInterval       time.Duration
}

// Register binds every field to fs with its default.
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "add func:file:line links for each wrapped error")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "public listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "ops listen TCP port (1..65535)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "reverse proxies in front of the public port whose X-Forwarded-For is trusted (0..8)")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "serve pprof on the ops port")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "push profiles to -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server URL")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "pyroscope tenant (X-Scope-OrgID)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "export OTLP traces to -otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.StringVar(&c.PolicySource, "policy-source", "", "rate limit policy: empty for defaults, a path, file://, ssm:/name or s3://bucket/key")
	fs.StringVar(&c.PolicySigningKeyARN, "policy-signing-key-arn", "", "KMS key ARN that signs s3 policy documents")
	fs.Float64Var(&c.SweepProbability, "sweep-probability", ratelimit.DefaultSweepProbability, "chance that a check triggers an inline sweep (0..1)")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", time.Minute, "background sweep interval, 0 disables")
}

// FillFromEnv sets flags that were not passed on the command line from
// PREFIX_FLAG_NAME. Precedence is cli > env > default. Invalid env values
// are reported through logf and leave the flag unchanged.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		val, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if explicit[f.Name] {
			logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, val)
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, val); err != nil {
			_ = fs.Set(f.Name, prev)
			logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, val, err)
		}
	})
}

func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// Validate reports every invalid field at once.
func Validate(c App) error {
	var errs []error
	addf := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	for name, port := range map[string]int{"HTTP_PORT": c.HTTPPort, "ADMIN_PORT": c.AdminPort} {
		if port < 1 || port > 65535 {
			addf("invalid %s %d (must be 1..65535)", name, port)
		}
	}
	if c.AdminPort == c.HTTPPort {
		addf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}
	if c.TrustedHops < 0 || c.TrustedHops > 8 {
		addf("invalid TRUSTED_HOPS %d (must be 0..8)", c.TrustedHops)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		addf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			addf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err)
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		addf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		addf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			addf("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			addf("OTLP_ENDPOINT must be host:port (got %q): %w", c.OTLPEndpoint, err)
		}
	}
	if c.EnablePyroscope {
		if u, err := url.Parse(c.PyroServer); c.PyroServer == "" || err != nil || u.Scheme == "" || u.Host == "" {
			addf("PYRO_SERVER must be a URL when ENABLE_PYROSCOPE=true (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			addf("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}

	kind, err := policy.ClassifySource(c.PolicySource)
	if err != nil {
		addf("invalid POLICY_SOURCE: %w", err)
	}
	if c.PolicySigningKeyARN != "" && err == nil && kind != policy.KindS3 {
		addf("POLICY_SIGNING_KEY_ARN only applies to s3 policy sources (source is %s)", kind)
	}
	if c.SweepProbability < 0 || c.SweepProbability > 1 {
		addf("invalid SWEEP_PROBABILITY %.3f (must be 0..1)", c.SweepProbability)
	}
	if c.SweepInterval < 0 {
		addf("invalid SWEEP_INTERVAL %s (must be >= 0)", c.SweepInterval)
	}

	return errors.Join(errs...)
}
