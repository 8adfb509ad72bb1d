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

	"github.com/keithlinneman/linnemanlabs-vault/internal/log"
)

// EnvPrefix is prepended to every flag name to form its environment
// variable: -upstream-url is LMVAULT_UPSTREAM_URL.
const EnvPrefix = "LMVAULT_"

// Container sources.
const (
	SourceHTTP = "http"
	SourceS3   = "s3"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	TrustedHops int
	// ShutdownDrain is how long readiness fails before listeners close.
	ShutdownDrain time.Duration

	EnablePprof     bool
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64

	// UpstreamURL is the origin the vault fronts. Requests the table does
	// not answer go here, and the HTTP container source reads from it.
	UpstreamURL string

	ContainerSource       string
	ContainerPath         string
	ContainerFetchTimeout time.Duration
	ContainerMaxBytes     int64
	ContainerSSMParam     string
	ContainerS3Bucket     string
	ContainerS3Prefix     string
	ContainerSigningKey   string

	EnableContainerWatch   bool
	ContainerWatchInterval time.Duration

	// CacheDir is the root whose prefixed subdirectories are this
	// runtime's caches. Empty keeps no disk caches.
	CacheDir     string
	SecureCookie bool

	UnlockRate  float64
	UnlockBurst int
	SiteRate    float64
	SiteBurst   int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.IntVar(&c.TrustedHops, "trusted-proxy-hops", 1, "reverse proxies in front of the vault whose X-Forwarded-For is trusted (0..8)")
	fs.DurationVar(&c.ShutdownDrain, "shutdown-drain", 5*time.Second, "time readiness fails before listeners close")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.StringVar(&c.UpstreamURL, "upstream-url", "", "origin URL the vault fronts (http or https)")

	fs.StringVar(&c.ContainerSource, "container-source", SourceHTTP, "where the encrypted container comes from: http|s3")
	fs.StringVar(&c.ContainerPath, "container-path", "encrypted-app.bin", "container path on the upstream (http source)")
	fs.DurationVar(&c.ContainerFetchTimeout, "container-fetch-timeout", 30*time.Second, "timeout for one container fetch")
	fs.Int64Var(&c.ContainerMaxBytes, "container-max-bytes", 64<<20, "largest container accepted, in bytes")
	fs.StringVar(&c.ContainerSSMParam, "container-ssm-param", "", "ssm parameter holding the current container object name (s3 source)")
	fs.StringVar(&c.ContainerS3Bucket, "container-s3-bucket", "", "s3 bucket holding containers (s3 source)")
	fs.StringVar(&c.ContainerS3Prefix, "container-s3-prefix", "", "s3 key prefix for containers (s3 source)")
	fs.StringVar(&c.ContainerSigningKey, "container-signing-key-arn", "", "KMS key ARN; when set, containers need a valid detached signature (s3 source)")

	fs.BoolVar(&c.EnableContainerWatch, "enable-container-watch", true, "poll for a newer container and flag the session stale")
	fs.DurationVar(&c.ContainerWatchInterval, "container-watch-interval", 60*time.Second, "container watch poll interval")

	fs.StringVar(&c.CacheDir, "cache-dir", "", "directory holding this runtime's caches, cleared on activation (empty = none)")
	fs.BoolVar(&c.SecureCookie, "secure-cookie", true, "mark the activation cookie Secure")

	fs.Float64Var(&c.UnlockRate, "unlock-rate", 0.2, "password submissions per second per client")
	fs.IntVar(&c.UnlockBurst, "unlock-burst", 5, "password submission burst per client")
	fs.Float64Var(&c.SiteRate, "site-rate", 50, "site requests per second per client")
	fs.IntVar(&c.SiteBurst, "site-burst", 200, "site request burst per client")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s", f.Name, f.Value.String(), key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 8 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be 0..8 (got %d)", c.TrustedHops))
	}
	if c.ShutdownDrain < 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_DRAIN must not be negative (got %s)", c.ShutdownDrain))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	// Tracing and profiling
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Upstream
	if c.UpstreamURL == "" {
		errs = append(errs, fmt.Errorf("UPSTREAM_URL is required"))
	} else if u, err := url.Parse(c.UpstreamURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("UPSTREAM_URL must be an http(s) URL (got %q)", c.UpstreamURL))
	}

	// Container
	switch c.ContainerSource {
	case SourceHTTP:
		if strings.TrimSpace(c.ContainerPath) == "" {
			errs = append(errs, fmt.Errorf("CONTAINER_PATH is required for the http source"))
		}
	case SourceS3:
		if c.ContainerSSMParam == "" {
			errs = append(errs, fmt.Errorf("CONTAINER_SSM_PARAM is required for the s3 source"))
		}
		if c.ContainerS3Bucket == "" {
			errs = append(errs, fmt.Errorf("CONTAINER_S3_BUCKET is required for the s3 source"))
		}
	default:
		errs = append(errs, fmt.Errorf("CONTAINER_SOURCE must be %q or %q (got %q)", SourceHTTP, SourceS3, c.ContainerSource))
	}
	if c.ContainerSigningKey != "" && c.ContainerSource != SourceS3 {
		errs = append(errs, fmt.Errorf("CONTAINER_SIGNING_KEY_ARN only applies to the s3 source"))
	}
	if c.ContainerFetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CONTAINER_FETCH_TIMEOUT must be positive (got %s)", c.ContainerFetchTimeout))
	}
	// header alone is 44 bytes
	if c.ContainerMaxBytes < 44 {
		errs = append(errs, fmt.Errorf("CONTAINER_MAX_BYTES must be at least 44 (got %d)", c.ContainerMaxBytes))
	}
	if c.EnableContainerWatch && c.ContainerWatchInterval < time.Second {
		errs = append(errs, fmt.Errorf("CONTAINER_WATCH_INTERVAL must be at least 1s (got %s)", c.ContainerWatchInterval))
	}

	// Rate limits
	if c.UnlockRate <= 0 || c.UnlockBurst < 1 {
		errs = append(errs, fmt.Errorf("UNLOCK_RATE must be > 0 and UNLOCK_BURST >= 1 (got %v, %d)", c.UnlockRate, c.UnlockBurst))
	}
	if c.SiteRate <= 0 || c.SiteBurst < 1 {
		errs = append(errs, fmt.Errorf("SITE_RATE must be > 0 and SITE_BURST >= 1 (got %v, %d)", c.SiteRate, c.SiteBurst))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
