// Package cacheinval clears cached negative-access state from the CDN after
// a successful grant so the new membership takes effect immediately instead
// of waiting for cache TTLs. Invalidation is best-effort: the grant is
// correct without it, so failures are logged and counted, never escalated.
package cacheinval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"

	"github.com/keithlinneman/signup-provisioner/internal/log"
)

// AccessPaths are the distribution paths that gate access decisions. Only
// these are invalidated; a full "/*" wipe would be wasteful and slow.
var AccessPaths = []string{"/login*", "/api/access/*"}

// Invalidator kicks off a cache invalidation for a principal's access state.
type Invalidator interface {
	Kick(ctx context.Context, principal string)
}

// invalidationCreator is the subset of the cloudfront API we call.
// Extracted as an interface to enable unit testing without live AWS credentials.
type invalidationCreator interface {
	CreateInvalidation(ctx context.Context, params *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
}

type Options struct {
	Logger         log.Logger
	DistributionID string

	// Paths overrides AccessPaths, mainly for tests.
	Paths []string

	// Timeout bounds each invalidation attempt. Defaults to 15s.
	Timeout time.Duration

	// OnResult is called with "ok", "error", or "skipped" after each kick,
	// used for incrementing prometheus counters.
	OnResult func(status string)
}

// CloudFront issues path-scoped invalidations against one distribution.
type CloudFront struct {
	api    invalidationCreator
	opts   Options
	logger log.Logger

	wg sync.WaitGroup
}

func New(api *cloudfront.Client, opts Options) *CloudFront {
	return newWithAPI(api, opts)
}

func newWithAPI(api invalidationCreator, opts Options) *CloudFront {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if len(opts.Paths) == 0 {
		opts.Paths = AccessPaths
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &CloudFront{api: api, opts: opts, logger: opts.Logger}
}

// Kick starts an invalidation and returns immediately. When no distribution
// is configured this is a logged no-op, not an error: invalidation is an
// optional integration and the grant stands without it.
func (c *CloudFront) Kick(ctx context.Context, principal string) {
	if c.opts.DistributionID == "" {
		c.logger.Debug(ctx, "no distribution configured, skipping cache invalidation",
			"principal", principal,
		)
		if c.opts.OnResult != nil {
			c.opts.OnResult("skipped")
		}
		return
	}

	dctx := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		cctx, cancel := context.WithTimeout(dctx, c.opts.Timeout)
		defer cancel()

		// CallerReference must be unique per request; CloudFront dedupes
		// identical references, which would silently drop retried kicks
		ref := fmt.Sprintf("signup-%s-%d", principal, time.Now().UnixNano())

		_, err := c.api.CreateInvalidation(cctx, &cloudfront.CreateInvalidationInput{
			DistributionId: aws.String(c.opts.DistributionID),
			InvalidationBatch: &cftypes.InvalidationBatch{
				CallerReference: aws.String(ref),
				Paths: &cftypes.Paths{
					Quantity: aws.Int32(int32(len(c.opts.Paths))),
					Items:    c.opts.Paths,
				},
			},
		})
		if err != nil {
			c.logger.Error(cctx, err, "cache invalidation failed",
				"distribution_id", c.opts.DistributionID,
				"principal", principal,
			)
			if c.opts.OnResult != nil {
				c.opts.OnResult("error")
			}
			return
		}
		c.logger.Info(cctx, "cache invalidation submitted",
			"distribution_id", c.opts.DistributionID,
			"paths", c.opts.Paths,
		)
		if c.opts.OnResult != nil {
			c.opts.OnResult("ok")
		}
	}()
}

// Drain blocks until all in-flight invalidations finish, used on shutdown.
func (c *CloudFront) Drain() { c.wg.Wait() }
