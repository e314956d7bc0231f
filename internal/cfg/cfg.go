package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/keithlinneman/signup-provisioner/internal/log"
)

// EnvPrefix is the prefix for environment variable fallbacks.
// Flag "foo-bar" maps to SIGNUP_FOO_BAR.
const EnvPrefix = "SIGNUP_"

type App struct {
	LogJSON  bool
	LogLevel string

	HTTPPort  int
	AdminPort int

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64
	StacktraceLevel string
	TrustedHops     int

	// provisioning settings, resolved into a Provisioning value by Resolve
	IdentityStoreID  string
	GroupID          string
	SSOInstanceARN   string
	DistributionID   string
	SlackWorkspaceID string
	SlackChannelID   string

	// optional SSM Parameter Store prefix to resolve the Slack identifiers
	// from when they are absent from both flag and env
	SlackParamsSSMPrefix string

	// SlackBotToken authenticates the alert client. Without it alerting
	// stays off even when the workspace and channel ids are set.
	SlackBotToken string

	// optional audit trail destination
	AuditS3Bucket      string
	AuditS3Prefix      string
	AuditSigningKeyARN string
}

// Provisioning is the immutable value object handed to the stack composer.
// Construct only via Resolve; optional fields are empty when absent.
type Provisioning struct {
	IdentityStoreID  string
	GroupID          string
	SSOInstanceARN   string
	DistributionID   string
	SlackWorkspaceID string
	SlackChannelID   string

	AuditS3Bucket      string
	AuditS3Prefix      string
	AuditSigningKeyARN string
}

// HasDistribution reports whether cache invalidation is configured.
func (p Provisioning) HasDistribution() bool { return p.DistributionID != "" }

// HasSlack reports whether alerting is configured. Both identifiers are
// required; one without the other counts as absent.
func (p Provisioning) HasSlack() bool {
	return p.SlackWorkspaceID != "" && p.SlackChannelID != ""
}

// HasAudit reports whether the S3 audit trail is configured.
func (p Provisioning) HasAudit() bool { return p.AuditS3Bucket != "" }

// ConfigError reports a required setting absent from both provisioning
// mechanisms (cli flag and environment variable).
type ConfigError struct {
	Setting string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s is required: set the -%s flag or the %s environment variable",
		e.Setting, e.Setting, EnvName(e.Setting))
}

// EnvName maps a flag name to its environment variable fallback name.
func EnvName(flagName string) string {
	return EnvPrefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "signup listener TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 1, "number of trusted reverse proxies for client ip resolution (0=none)")

	fs.StringVar(&c.IdentityStoreID, "identity-store-id", "", "identity store id holding the restricted-access group (required)")
	fs.StringVar(&c.GroupID, "group-id", "", "group id signups are granted membership in (required)")
	fs.StringVar(&c.SSOInstanceARN, "sso-instance-arn", "", "sso instance arn owning the identity store (informational)")
	fs.StringVar(&c.DistributionID, "distribution-id", "", "cloudfront distribution to invalidate cached access state on (optional)")
	fs.StringVar(&c.SlackWorkspaceID, "slack-workspace-id", "", "slack workspace id for failure alerts (optional)")
	fs.StringVar(&c.SlackChannelID, "slack-channel-id", "", "slack channel id for failure alerts (optional)")
	fs.StringVar(&c.SlackParamsSSMPrefix, "slack-params-ssm-prefix", "", "ssm parameter prefix to resolve slack ids from when not set (optional)")
	fs.StringVar(&c.SlackBotToken, "slack-bot-token", "", "slack bot token for failure alerts (optional, prefer the env var)")

	fs.StringVar(&c.AuditS3Bucket, "audit-s3-bucket", "", "s3 bucket for grant audit records (optional)")
	fs.StringVar(&c.AuditS3Prefix, "audit-s3-prefix", "grants", "s3 key prefix for grant audit records")
	fs.StringVar(&c.AuditSigningKeyARN, "audit-signing-key-arn", "", "KMS key ARN for signing audit records (optional)")
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
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// identityStoreIDRe matches identity store ids like "d-1234567890" and the
// short sandbox form "d-1".
var identityStoreIDRe = regexp.MustCompile(`^d-[0-9a-z]{1,12}$`)

// Resolve validates the provisioning settings and produces the immutable
// Provisioning value consumed by the stack composer. A required setting
// missing from both sources fails with a ConfigError naming the setting.
func Resolve(c App) (Provisioning, error) {
	if strings.TrimSpace(c.IdentityStoreID) == "" {
		return Provisioning{}, &ConfigError{Setting: "identity-store-id"}
	}
	if strings.TrimSpace(c.GroupID) == "" {
		return Provisioning{}, &ConfigError{Setting: "group-id"}
	}

	var errs []error
	if !identityStoreIDRe.MatchString(c.IdentityStoreID) {
		errs = append(errs, fmt.Errorf("invalid IDENTITY_STORE_ID %q (expected d-xxxxxxxxxx)", c.IdentityStoreID))
	}
	if c.SSOInstanceARN != "" && !strings.HasPrefix(c.SSOInstanceARN, "arn:") {
		errs = append(errs, fmt.Errorf("invalid SSO_INSTANCE_ARN %q (must be an ARN)", c.SSOInstanceARN))
	}
	if c.AuditSigningKeyARN != "" && !strings.HasPrefix(c.AuditSigningKeyARN, "arn:") {
		errs = append(errs, fmt.Errorf("invalid AUDIT_SIGNING_KEY_ARN %q (must be an ARN)", c.AuditSigningKeyARN))
	}
	if c.AuditSigningKeyARN != "" && c.AuditS3Bucket == "" {
		errs = append(errs, fmt.Errorf("AUDIT_SIGNING_KEY_ARN set without AUDIT_S3_BUCKET"))
	}
	// one slack id without the other is almost always a deploy mistake;
	// call it out instead of silently disabling alerts
	if (c.SlackWorkspaceID == "") != (c.SlackChannelID == "") {
		errs = append(errs, fmt.Errorf("SLACK_WORKSPACE_ID and SLACK_CHANNEL_ID must be set together (or neither)"))
	}
	if len(errs) > 0 {
		return Provisioning{}, errors.Join(errs...)
	}

	return Provisioning{
		IdentityStoreID:    c.IdentityStoreID,
		GroupID:            c.GroupID,
		SSOInstanceARN:     c.SSOInstanceARN,
		DistributionID:     c.DistributionID,
		SlackWorkspaceID:   c.SlackWorkspaceID,
		SlackChannelID:     c.SlackChannelID,
		AuditS3Bucket:      c.AuditS3Bucket,
		AuditS3Prefix:      c.AuditS3Prefix,
		AuditSigningKeyARN: c.AuditSigningKeyARN,
	}, nil
}

// Validate checks that the ambient (non-provisioning) config values are
// within expected ranges and formats. Returns an error describing all
// invalid fields, or nil if all valid.
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

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.TrustedHops < 0 || c.TrustedHops > 8 {
		errs = append(errs, fmt.Errorf("invalid TRUSTED_HOPS %d (must be 0..8)", c.TrustedHops))
	}

	// Pyroscope (URL and scheme)
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

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
