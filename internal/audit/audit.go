// Package audit writes one immutable JSON record per grant attempt to S3,
// optionally signed with a KMS key so records can be verified out of band.
// The trail is best-effort: a write failure never changes the grant outcome.
package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/keithlinneman/signup-provisioner/internal/cryptoutil"
	"github.com/keithlinneman/signup-provisioner/internal/grant"
	"github.com/keithlinneman/signup-provisioner/internal/log"
)

// objectPutter is the subset of the S3 API we call.
// Extracted as an interface to enable unit testing without live AWS credentials.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Signer signs a record digest. Nil disables signing.
type Signer interface {
	SignDigest(ctx context.Context, digest []byte) ([]byte, error)
	KeyARN() string
}

// Envelope is the stored object: the record, its digest, and an optional
// detached signature over the digest.
type Envelope struct {
	ID        string            `json:"id"`
	Record    grant.GrantResult `json:"record"`
	SHA256    string            `json:"sha256"`
	Signature string            `json:"signature,omitempty"`
	KeyARN    string            `json:"key_arn,omitempty"`
}

type Options struct {
	Logger log.Logger
	Bucket string
	Prefix string

	Signer Signer

	// Timeout bounds each write (sign + put). Defaults to 15s.
	Timeout time.Duration

	// OnResult is called with "ok" or "error" after each write attempt,
	// used for incrementing prometheus counters.
	OnResult func(status string)
}

// Recorder persists grant results. Record returns immediately; the write
// runs in the background.
type Recorder struct {
	api    objectPutter
	opts   Options
	logger log.Logger

	wg sync.WaitGroup
}

func New(api *s3.Client, opts Options) *Recorder {
	return newWithAPI(api, opts)
}

func newWithAPI(api objectPutter, opts Options) *Recorder {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Recorder{api: api, opts: opts, logger: opts.Logger}
}

// Record writes one envelope for the result. Failures are logged and
// counted, never surfaced to the grant path.
func (r *Recorder) Record(ctx context.Context, res grant.GrantResult) {
	dctx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		cctx, cancel := context.WithTimeout(dctx, r.opts.Timeout)
		defer cancel()

		if err := r.write(cctx, res); err != nil {
			r.logger.Error(cctx, err, "audit record write failed",
				"bucket", r.opts.Bucket,
				"principal", res.Principal,
				"outcome", string(res.Outcome),
			)
			if r.opts.OnResult != nil {
				r.opts.OnResult("error")
			}
			return
		}
		if r.opts.OnResult != nil {
			r.opts.OnResult("ok")
		}
	}()
}

func (r *Recorder) write(ctx context.Context, res grant.GrantResult) error {
	recordJSON, err := json.Marshal(res)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(recordJSON)

	env := Envelope{
		ID:     uuid.NewString(),
		Record: res,
		SHA256: cryptoutil.SHA256Hex(recordJSON),
	}

	if r.opts.Signer != nil {
		sig, err := r.opts.Signer.SignDigest(ctx, digest[:])
		if err != nil {
			return err
		}
		env.Signature = base64.StdEncoding.EncodeToString(sig)
		env.KeyARN = r.opts.Signer.KeyARN()
	}

	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	_, err = r.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.opts.Bucket),
		Key:         aws.String(r.key(res, env.ID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	return err
}

// key lays records out by day so lifecycle rules and range listings stay cheap.
func (r *Recorder) key(res grant.GrantResult, id string) string {
	at := res.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	prefix := r.opts.Prefix
	if prefix == "" {
		prefix = "grants"
	}
	return fmt.Sprintf("%s/%s/%s-%s.json", prefix, at.Format("2006/01/02"), at.Format("150405"), id)
}

// Drain blocks until all in-flight writes finish, used on shutdown.
func (r *Recorder) Drain() { r.wg.Wait() }
