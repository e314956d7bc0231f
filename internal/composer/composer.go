// Package composer wires the provisioning stack into a single deployable
// unit: the grant handler plus its optional collaborators, and the
// least-privilege permission manifest covering exactly the configured
// resources. It is the one place configuration invariant violations
// surface to the operator, before any request is served.
package composer

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/slack-go/slack"

	"github.com/keithlinneman/signup-provisioner/internal/alert"
	"github.com/keithlinneman/signup-provisioner/internal/audit"
	"github.com/keithlinneman/signup-provisioner/internal/cacheinval"
	"github.com/keithlinneman/signup-provisioner/internal/cfg"
	"github.com/keithlinneman/signup-provisioner/internal/cryptoutil"
	"github.com/keithlinneman/signup-provisioner/internal/grant"
	"github.com/keithlinneman/signup-provisioner/internal/iam"
	"github.com/keithlinneman/signup-provisioner/internal/idstore"
	"github.com/keithlinneman/signup-provisioner/internal/log"
)

// Clients carries the external service clients the stack may need. Only
// the ones implied by the configuration are used.
type Clients struct {
	IdentityStore *identitystore.Client
	CloudFront    *cloudfront.Client
	S3            *s3.Client
	KMS           *kms.Client
	Slack         *slack.Client
}

type Options struct {
	Logger log.Logger

	// StoreTimeout bounds the identity-store call per request.
	StoreTimeout time.Duration

	// Metrics callbacks, wired to prometheus counters by main.
	OnGrant        func(outcome string, d time.Duration)
	OnInvalidation func(status string)
	OnAlert        func(status string)
	OnAudit        func(status string)
}

// Stack is the composed deployable unit.
type Stack struct {
	Handler *grant.Handler
	Policy  iam.PolicyDocument

	Provisioning cfg.Provisioning

	invalidator *cacheinval.CloudFront
	notifier    *alert.SlackNotifier
	recorder    *audit.Recorder
}

// Compose builds the stack from a resolved configuration. Config invariant
// violations fail here, at composition time, never at request time.
func Compose(ctx context.Context, prov cfg.Provisioning, cl Clients, opts Options) (*Stack, error) {
	// Provisioning values are normally constructed via cfg.Resolve; the
	// recheck catches zero values wired in by hand.
	if prov.IdentityStoreID == "" {
		return nil, &cfg.ConfigError{Setting: "identity-store-id"}
	}
	if prov.GroupID == "" {
		return nil, &cfg.ConfigError{Setting: "group-id"}
	}
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}

	st := &Stack{Provisioning: prov}

	var invalidator grant.Invalidator
	if prov.HasDistribution() {
		st.invalidator = cacheinval.New(cl.CloudFront, cacheinval.Options{
			Logger:         L,
			DistributionID: prov.DistributionID,
			OnResult:       opts.OnInvalidation,
		})
		invalidator = st.invalidator
	} else {
		L.Info(ctx, "cache invalidation disabled, no distribution configured")
	}

	var notifier alert.Notifier
	switch {
	case !prov.HasSlack():
		L.Info(ctx, "alerting disabled, slack identifiers not configured")
	case cl.Slack == nil:
		// ids configured but no client (token missing): alerting stays
		// off rather than failing the deployment
		L.Warn(ctx, "alerting disabled, slack client not configured",
			"workspace_id", prov.SlackWorkspaceID,
			"channel_id", prov.SlackChannelID,
		)
	default:
		st.notifier = alert.NewSlack(cl.Slack, alert.SlackOptions{
			Logger:      L,
			WorkspaceID: prov.SlackWorkspaceID,
			ChannelID:   prov.SlackChannelID,
			OnResult:    opts.OnAlert,
		})
		notifier = st.notifier
	}

	var recorder grant.Recorder
	if prov.HasAudit() {
		var signer audit.Signer
		if prov.AuditSigningKeyARN != "" {
			signer = cryptoutil.NewKMSSigner(cl.KMS, prov.AuditSigningKeyARN)
		}
		st.recorder = audit.New(cl.S3, audit.Options{
			Logger:   L,
			Bucket:   prov.AuditS3Bucket,
			Prefix:   prov.AuditS3Prefix,
			Signer:   signer,
			OnResult: opts.OnAudit,
		})
		recorder = st.recorder
	}

	handler, err := grant.NewHandler(grant.Options{
		Logger:       L,
		Store:        idstore.New(cl.IdentityStore, prov.IdentityStoreID, prov.GroupID),
		GroupID:      prov.GroupID,
		StoreTimeout: opts.StoreTimeout,
		Invalidator:  invalidator,
		Alerts:       notifier,
		Audit:        recorder,
		OnResult:     opts.OnGrant,
	})
	if err != nil {
		return nil, err
	}
	st.Handler = handler
	st.Policy = buildPolicy(prov)

	L.Info(ctx, "provisioning stack composed",
		"identity_store_id", prov.IdentityStoreID,
		"group_id", prov.GroupID,
		"distribution_id", prov.DistributionID,
		"alerting", notifier != nil,
		"audit", recorder != nil,
		"policy_statements", len(st.Policy.Statements),
	)
	return st, nil
}

// Drain waits for in-flight best-effort work to finish, used on shutdown.
func (s *Stack) Drain() {
	if s.invalidator != nil {
		s.invalidator.Drain()
	}
	if s.notifier != nil {
		s.notifier.Drain()
	}
	if s.recorder != nil {
		s.recorder.Drain()
	}
}

// ARN constructors for the permission manifest. Account and region are
// left to the deploy tooling to substitute; the manifest pins resources.
func identityStoreARN(storeID string) string {
	return fmt.Sprintf("arn:aws:identitystore:::identitystore/%s", storeID)
}
func groupARN(storeID, groupID string) string {
	return fmt.Sprintf("arn:aws:identitystore:::group/%s/%s", storeID, groupID)
}
func distributionARN(distributionID string) string {
	return fmt.Sprintf("arn:aws:cloudfront:::distribution/%s", distributionID)
}
func auditObjectsARN(bucket, prefix string) string {
	if prefix == "" {
		prefix = "grants"
	}
	return fmt.Sprintf("arn:aws:s3:::%s/%s/*", bucket, prefix)
}
func slackChannelURI(workspaceID, channelID string) string {
	return fmt.Sprintf("slack://%s/%s", workspaceID, channelID)
}

// buildPolicy computes the least-privilege manifest: every statement is
// scoped to a resource named in the config, and nothing else appears.
func buildPolicy(prov cfg.Provisioning) iam.PolicyDocument {
	stmts := []iam.Statement{
		iam.Allow("GrantGroupMembership",
			[]string{"identitystore:CreateGroupMembership", "identitystore:IsMemberInGroups"},
			[]string{
				identityStoreARN(prov.IdentityStoreID),
				groupARN(prov.IdentityStoreID, prov.GroupID),
			},
		),
	}
	if prov.HasDistribution() {
		stmts = append(stmts, iam.Allow("InvalidateAccessPaths",
			[]string{"cloudfront:CreateInvalidation"},
			[]string{distributionARN(prov.DistributionID)},
		))
	}
	if prov.HasSlack() {
		stmts = append(stmts, iam.Allow("PublishFailureAlerts",
			[]string{"slack:chat.postMessage"},
			[]string{slackChannelURI(prov.SlackWorkspaceID, prov.SlackChannelID)},
		))
	}
	if prov.HasAudit() {
		stmts = append(stmts, iam.Allow("WriteAuditRecords",
			[]string{"s3:PutObject"},
			[]string{auditObjectsARN(prov.AuditS3Bucket, prov.AuditS3Prefix)},
		))
		if prov.AuditSigningKeyARN != "" {
			stmts = append(stmts, iam.Allow("SignAuditRecords",
				[]string{"kms:Sign"},
				[]string{prov.AuditSigningKeyARN},
			))
		}
	}
	return iam.NewPolicy(stmts...)
}
