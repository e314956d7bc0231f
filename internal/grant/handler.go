package grant

import (
	"context"
	"errors"
	"time"

	"github.com/keithlinneman/signup-provisioner/internal/alert"
	"github.com/keithlinneman/signup-provisioner/internal/idstore"
	"github.com/keithlinneman/signup-provisioner/internal/log"
	"github.com/keithlinneman/signup-provisioner/internal/xerrors"
)

// GroupMemberships is the identity-store operation the handler needs.
type GroupMemberships interface {
	AddMemberToGroup(ctx context.Context, principalID string) error
}

// Invalidator clears cached negative-access state after a grant.
type Invalidator interface {
	Kick(ctx context.Context, principal string)
}

// Recorder persists an audit record for a result.
type Recorder interface {
	Record(ctx context.Context, res GrantResult)
}

type Options struct {
	Logger log.Logger

	// Store performs the one synchronous membership mutation. Required.
	Store GroupMemberships

	// GroupID is the group membership is granted in, echoed on results.
	GroupID string

	// StoreTimeout bounds the identity-store call. Defaults to 10s.
	// Exceeding it yields Failed("timeout"); the upstream trigger retries.
	StoreTimeout time.Duration

	// Optional best-effort collaborators. Nil disables the integration.
	Invalidator Invalidator
	Alerts      alert.Notifier
	Audit       Recorder

	// OnResult is called once per invocation with the outcome ("granted"
	// or "failed") and the handler latency, used for prometheus metrics.
	OnResult func(outcome string, d time.Duration)
}

// Handler processes signup requests. It is stateless and safe for
// concurrent use; the identity store serializes concurrent mutations for
// the same principal/group pair itself.
type Handler struct {
	opts   Options
	logger log.Logger
}

func NewHandler(opts Options) (*Handler, error) {
	if opts.Store == nil {
		return nil, xerrors.New("grant: Store is required")
	}
	if opts.GroupID == "" {
		return nil, xerrors.New("grant: GroupID is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 10 * time.Second
	}
	return &Handler{opts: opts, logger: opts.Logger}, nil
}

// Handle runs one grant attempt to completion and returns exactly one
// result. There is no in-process retry: the trigger delivers at least
// once, so transient store failures are reported and retried upstream.
func (h *Handler) Handle(ctx context.Context, req SignupRequest) GrantResult {
	start := time.Now()

	if !ValidPrincipal(req.Principal) {
		// no identity-store call for malformed input
		res := failed(req.Principal, ReasonInvalidPrincipal)
		h.logger.Warn(ctx, "rejected signup request",
			"principal", req.Principal,
			"source", req.Source,
			"reason", res.Reason,
		)
		h.finish(ctx, res, start, alert.SeverityWarning)
		return res
	}

	sctx, cancel := context.WithTimeout(ctx, h.opts.StoreTimeout)
	err := h.opts.Store.AddMemberToGroup(sctx, req.Principal)
	cancel()

	switch {
	case err == nil:
		res := granted(req.Principal, h.opts.GroupID)
		h.logger.Info(ctx, "granted group membership",
			"principal", req.Principal,
			"group_id", h.opts.GroupID,
			"source", req.Source,
		)
		if h.opts.Invalidator != nil {
			h.opts.Invalidator.Kick(ctx, req.Principal)
		}
		h.finish(ctx, res, start, "")
		return res

	case errors.Is(err, idstore.ErrAlreadyMember):
		// idempotent: re-invocation lands in the same end state
		res := granted(req.Principal, h.opts.GroupID)
		h.logger.Info(ctx, "principal already a group member",
			"principal", req.Principal,
			"group_id", h.opts.GroupID,
		)
		if h.opts.Invalidator != nil {
			h.opts.Invalidator.Kick(ctx, req.Principal)
		}
		h.finish(ctx, res, start, "")
		return res

	case errors.Is(err, context.DeadlineExceeded):
		res := failed(req.Principal, ReasonTimeout)
		h.logger.Error(ctx, err, "identity store call timed out",
			"principal", req.Principal,
			"group_id", h.opts.GroupID,
			"timeout", h.opts.StoreTimeout,
		)
		h.finish(ctx, res, start, alert.SeverityError)
		return res

	default:
		res := failed(req.Principal, err.Error())
		h.logger.Error(ctx, err, "identity store call failed",
			"principal", req.Principal,
			"group_id", h.opts.GroupID,
		)
		h.finish(ctx, res, start, alert.SeverityError)
		return res
	}
}

// finish records metrics/audit for every result and alerts on failures.
func (h *Handler) finish(ctx context.Context, res GrantResult, start time.Time, sev alert.Severity) {
	if h.opts.OnResult != nil {
		h.opts.OnResult(string(res.Outcome), time.Since(start))
	}
	if h.opts.Audit != nil {
		h.opts.Audit.Record(ctx, res)
	}
	if res.Granted() || h.opts.Alerts == nil {
		return
	}
	h.opts.Alerts.Notify(ctx, alert.Message{
		Severity: sev,
		Summary:  "signup grant failed",
		Context: map[string]string{
			"principal": res.Principal,
			"group_id":  h.opts.GroupID,
			"reason":    res.Reason,
		},
	})
}
