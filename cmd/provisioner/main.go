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
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/slack-go/slack"

	"github.com/keithlinneman/signup-provisioner/internal/cfg"
	"github.com/keithlinneman/signup-provisioner/internal/composer"
	"github.com/keithlinneman/signup-provisioner/internal/health"
	"github.com/keithlinneman/signup-provisioner/internal/httpmw"
	"github.com/keithlinneman/signup-provisioner/internal/httpserver"
	"github.com/keithlinneman/signup-provisioner/internal/log"
	"github.com/keithlinneman/signup-provisioner/internal/metrics"
	"github.com/keithlinneman/signup-provisioner/internal/opshttp"
	"github.com/keithlinneman/signup-provisioner/internal/otelx"
	"github.com/keithlinneman/signup-provisioner/internal/prof"
	"github.com/keithlinneman/signup-provisioner/internal/ratelimit"
	"github.com/keithlinneman/signup-provisioner/internal/signuphttp"
	v "github.com/keithlinneman/signup-provisioner/internal/version"
)

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
			v.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix SIGNUP_ and validate
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate ambient config
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
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Version:         vi.Version,
		Commit:          vi.Commit,
		BuildId:         vi.BuildId,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JsonFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer lg.Sync()
	L := lg.With("component", "provisioner")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"identity_store_id", conf.IdentityStoreID,
		"group_id", conf.GroupID,
		"distribution_id", conf.DistributionID,
		"slack_params_ssm_prefix", conf.SlackParamsSSMPrefix,
		"audit_s3_bucket", conf.AuditS3Bucket,
		"audit_s3_prefix", conf.AuditS3Prefix,
		"audit_signing_key_arn", conf.AuditSigningKeyARN,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		AuthToken:     "",
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "provisioner",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "provisioner",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup metrics / admin listener
	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "provisioner", vi)

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		L.Error(ctx, err, "failed to load AWS config")
		os.Exit(1)
	}

	idClient := identitystore.NewFromConfig(awsCfg)
	ssmClient := ssm.NewFromConfig(awsCfg)

	var cfClient *cloudfront.Client
	if conf.DistributionID != "" {
		cfClient = cloudfront.NewFromConfig(awsCfg)
	}
	var s3Client *s3.Client
	if conf.AuditS3Bucket != "" {
		s3Client = s3.NewFromConfig(awsCfg)
	}
	var kmsClient *kms.Client
	if conf.AuditSigningKeyARN != "" {
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	// resolve slack ids from parameter store when not set directly
	if err := cfg.FillSlackFromSSM(ctx, ssmClient, &conf); err != nil {
		L.Error(ctx, err, "failed to resolve slack ids from ssm",
			"prefix", conf.SlackParamsSSMPrefix,
		)
		os.Exit(1)
	}

	var slackClient *slack.Client
	if conf.SlackBotToken != "" {
		slackClient = slack.New(conf.SlackBotToken)
	}

	// resolve and validate provisioning settings
	prov, err := cfg.Resolve(conf)
	if err != nil {
		L.Error(ctx, err, "provisioning config invalid")
		os.Exit(1)
	}

	// compose the grant stack: handler, side effects, permission manifest
	stack, err := composer.Compose(ctx, prov, composer.Clients{
		IdentityStore: idClient,
		CloudFront:    cfClient,
		S3:            s3Client,
		KMS:           kmsClient,
		Slack:         slackClient,
	}, composer.Options{
		Logger:         L,
		OnGrant:        func(outcome string, d time.Duration) { m.ObserveGrant(outcome, d) },
		OnInvalidation: m.IncInvalidation,
		OnAlert:        m.IncAlert,
		OnAudit:        m.IncAuditRecord,
	})
	if err != nil {
		L.Error(ctx, err, "failed to compose provisioning stack")
		os.Exit(1)
	}

	signupAPI := signuphttp.NewAPI(stack.Handler, stack.Policy, L)

	// setup toggle for server shutdown
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())

	// Setup rate limiter middleware for the signup endpoint
	limiter := ratelimit.New(ctx,
		// signups are human-paced, anything sustained is abuse
		ratelimit.WithRate(2, 10),
		// increment prometheus counter on each denied request
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first time an ip is denied each time it is cleaned from the bucket
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	// start signup http server
	apiHTTPStop, err := httpserver.Start(
		ctx,
		httpserver.Options{
			Logger:       L,
			Port:         conf.HTTPPort,
			Health:       health.Fixed(true, ""),
			Readiness:    readiness,
			APIRoutes:    signupAPI.RegisterRoutes,
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
			MetricsMW:    m.Middleware,
			RateLimitMW:  limiter.Middleware,
			ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		},
	)
	if err != nil {
		L.Error(ctx, err, "failed to start signup http listener")
		os.Exit(1)
	}
	defer func() { _ = apiHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof and any future admin APIs
	// sg restricts inbound to internal monitoring infrastructure
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	sigCtx, stopSig := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSig()
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness checks so the load balancer stops sending signups
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// short drain: requests are quick, but give the lb a chance to notice
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(10 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := apiHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "signup http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	// wait for in-flight invalidations, alerts, and audit writes
	stack.Drain()

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
