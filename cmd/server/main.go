package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/keithlinneman/linnemanlabs-vault/internal/cachectl"
	"github.com/keithlinneman/linnemanlabs-vault/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-vault/internal/controlhttp"
	"github.com/keithlinneman/linnemanlabs-vault/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-vault/internal/health"
	"github.com/keithlinneman/linnemanlabs-vault/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-vault/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-vault/internal/intercept"
	"github.com/keithlinneman/linnemanlabs-vault/internal/log"
	"github.com/keithlinneman/linnemanlabs-vault/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-vault/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-vault/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-vault/internal/prof"
	"github.com/keithlinneman/linnemanlabs-vault/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-vault/internal/session"
	"github.com/keithlinneman/linnemanlabs-vault/internal/source"
	v "github.com/keithlinneman/linnemanlabs-vault/internal/version"
)

// fetcher is what the container source has to offer: the unlock path
// fetches, the watcher probes.
type fetcher interface {
	source.Fetcher
	source.VersionProber
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
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

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	var stackLvl slog.Level
	if conf.StacktraceLevel != "" {
		if stackLvl, err = log.ParseLevel(conf.StacktraceLevel); err != nil {
			fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
			os.Exit(1)
		}
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
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
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"trusted_proxy_hops", conf.TrustedHops,
		"upstream_url", conf.UpstreamURL,
		"container_source", conf.ContainerSource,
		"container_path", conf.ContainerPath,
		"container_s3_bucket", conf.ContainerS3Bucket,
		"container_s3_prefix", conf.ContainerS3Prefix,
		"container_ssm_param", conf.ContainerSSMParam,
		"container_signing_key_arn", conf.ContainerSigningKey,
		"enable_container_watch", conf.EnableContainerWatch,
		"cache_dir", conf.CacheDir,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
	)

	// Setup pyroscope profiling
	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Insecure is true because we are only writing to a collector on localhost
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
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	// container source
	src, err := newFetcher(ctx, L, conf)
	if err != nil {
		L.Error(ctx, err, "failed to create container source")
		os.Exit(1)
	}

	// the session starts locked and only a password submission changes that
	mgr := session.NewManager()
	m.SetSession(false, 0)

	unlocker, err := session.NewUnlocker(session.UnlockerOptions{
		Logger:  L,
		Fetcher: src,
		Manager: mgr,
		Metrics: m,
		OnUnlock: func(ctx context.Context, ack session.Ack) {
			m.SetContainer(conf.ContainerSource, ack.Version, mgr.ContainerHash())
			m.SetContainerStale(false)
		},
	})
	if err != nil {
		L.Error(ctx, err, "failed to create unlocker")
		os.Exit(1)
	}

	if conf.EnableContainerWatch {
		watcher := source.NewWatcher(&source.WatcherOptions{
			Logger:       L,
			Prober:       src,
			Session:      mgr,
			PollInterval: conf.ContainerWatchInterval,
			Metrics:      m,
			OnStale: func(unlocked, live string) {
				L.Warn(ctx, "unlocked container superseded, a new password submission is needed",
					"unlocked_version", unlocked,
					"live_version", live,
				)
			},
		})
		go func() { _ = watcher.Run(ctx) }()
	}

	// everything the table does not answer goes to the upstream unchanged
	passthrough, err := intercept.NewPassthrough(intercept.PassthroughOptions{
		Logger: L,
		Origin: conf.UpstreamURL,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create upstream proxy")
		os.Exit(1)
	}
	dispatch, err := intercept.New(&intercept.Options{
		Logger:        L,
		Resolver:      mgr,
		Passthrough:   passthrough,
		Encoder:       httpserver.Compress(),
		OnServed:      func(_ string, n int) { m.ObserveServed(n) },
		OnPassthrough: m.IncPassthrough,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create interception handler")
		os.Exit(1)
	}

	// cache lifecycle: clear persistent caches and claim clients on start
	var store cachectl.Store
	if conf.CacheDir != "" {
		ds, err := cachectl.NewDirStore(conf.CacheDir, cachectl.DefaultPrefix)
		if err != nil {
			L.Error(ctx, err, "failed to open cache dir")
			os.Exit(1)
		}
		store = ds
	}
	cacheCtl := cachectl.New(cachectl.Options{
		Logger:       L,
		Store:        store,
		Metrics:      m,
		SecureCookie: conf.SecureCookie,
	})
	if err := cacheCtl.Install(ctx); err != nil {
		// activation happened regardless, clients are still claimed
		L.Error(ctx, err, "some caches could not be deleted")
	}

	// password submissions get their own, much tighter, limiter
	unlockLimiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.UnlockRate, conf.UnlockBurst),
		ratelimit.WithRetryAfter(time.Duration(float64(time.Second)/conf.UnlockRate)),
		ratelimit.WithOnDenied(func(ip string) { m.IncRateLimitDenied("unlock") }),
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "unlock rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity("unlock")
			L.Warn(ctx, "unlock rate limit capacity reached, rejecting new clients until some are evicted")
		}),
	)
	siteLimiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.SiteRate, conf.SiteBurst),
		ratelimit.WithOnDenied(func(ip string) { m.IncRateLimitDenied("site") }),
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "site rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity("site")
			L.Warn(ctx, "site rate limit capacity reached, rejecting new clients until some are evicted")
		}),
	)

	controlAPI, err := controlhttp.NewAPI(controlhttp.Options{
		Logger:    L,
		Unlocker:  unlocker,
		Status:    mgr,
		Metrics:   m,
		RateLimit: unlockLimiter.Middleware,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create control api")
		os.Exit(1)
	}

	var gate health.ShutdownGate

	// serving never waits on the session: locked is a valid state
	readiness := health.All(
		gate.Probe(),
		health.Named("cachectl", health.FromErr(cacheCtl.ReadyErr)),
	)

	// one unlock can take a full fetch plus key derivation
	writeTimeout := httpserver.DefaultWriteTimeout
	if d := conf.ContainerFetchTimeout + 30*time.Second; d > writeTimeout {
		writeTimeout = d
	}

	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:        L,
		Port:          conf.HTTPPort,
		UseRecoverMW:  true,
		OnPanic:       m.IncHttpPanic,
		MetricsMW:     m.Middleware,
		Health:        health.Fixed(true, ""),
		Readiness:     readiness,
		ContainerInfo: mgr,
		ClientIPOpts:  httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		ControlRoutes: controlAPI.RegisterRoutes,
		Dispatch:      dispatch,
		DispatchMW: []func(http.Handler) http.Handler{
			siteLimiter.Middleware,
			cacheCtl.Claim,
		},
		WriteTimeout: writeTimeout,
		OnShutdown:   []func(){controlAPI.Close},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start site http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// admin listener: metrics, probes, pprof and the session status
	// sg restricts inbound to internal monitoring infrastructure
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Status:       statusHandler(mgr, cacheCtl, controlAPI),
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining", "drain", conf.ShutdownDrain.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.ShutdownDrain):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "site http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

// newFetcher builds the configured container source. The S3 source
// verifies detached KMS signatures when a signing key is configured.
func newFetcher(ctx context.Context, L log.Logger, conf cfg.App) (fetcher, error) {
	switch conf.ContainerSource {
	case cfg.SourceS3:
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		opts := source.S3Options{
			Logger:    L,
			SSMParam:  conf.ContainerSSMParam,
			Bucket:    conf.ContainerS3Bucket,
			Prefix:    conf.ContainerS3Prefix,
			MaxBytes:  conf.ContainerMaxBytes,
			AWSConfig: &awsCfg,
		}
		if conf.ContainerSigningKey != "" {
			opts.Verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.ContainerSigningKey)
		}
		f, err := source.NewS3Fetcher(ctx, opts)
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		f, err := source.NewHTTPFetcher(source.HTTPOptions{
			Logger:   L,
			Origin:   conf.UpstreamURL,
			Path:     conf.ContainerPath,
			Timeout:  conf.ContainerFetchTimeout,
			MaxBytes: conf.ContainerMaxBytes,
		})
		if err != nil {
			return nil, err
		}
		return f, nil
	}
}

// statusHandler is the operator view on the admin port: session state
// plus the cache activation and open control sockets. No asset data.
func statusHandler(mgr *session.Manager, cc *cachectl.Controller, api *controlhttp.API) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := struct {
			session.Status
			Version            string `json:"container_version,omitempty"`
			SHA256             string `json:"container_sha256,omitempty"`
			ActivationID       string `json:"activation_id"`
			ControlConnections int    `json:"control_connections"`
		}{
			Status:             mgr.Status(),
			Version:            mgr.ContainerVersion(),
			SHA256:             mgr.ContainerHash(),
			ActivationID:       cc.ActivationID(),
			ControlConnections: api.Connections(),
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(body)
	})
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
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
