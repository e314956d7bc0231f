package audit

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/signup-provisioner/internal/grant"
	"github.com/keithlinneman/signup-provisioner/internal/xerrors"
)

type putCall struct {
	bucket string
	key    string
	body   []byte
}

type fakeS3 struct {
	mu    sync.Mutex
	err   error
	calls []putCall
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(in.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, putCall{
		bucket: aws.ToString(in.Bucket),
		key:    aws.ToString(in.Key),
		body:   body,
	})
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSigner struct {
	sig []byte
	err error
}

func (f *fakeSigner) SignDigest(ctx context.Context, digest []byte) ([]byte, error) {
	return f.sig, f.err
}
func (f *fakeSigner) KeyARN() string { return "arn:aws:kms:us-east-2:1:key/k" }

func grantedResult() grant.GrantResult {
	return grant.GrantResult{
		Outcome:   grant.OutcomeGranted,
		Principal: "user:alice",
		GroupID:   "g-1",
		At:        time.Date(2026, 8, 24, 15, 4, 5, 0, time.UTC),
	}
}

func TestRecord_WritesEnvelope(t *testing.T) {
	f := &fakeS3{}
	done := make(chan string, 1)
	r := newWithAPI(f, Options{
		Bucket:   "audit-bucket",
		Prefix:   "grants",
		OnResult: func(s string) { done <- s },
	})

	r.Record(context.Background(), grantedResult())
	r.Drain()

	if got := <-done; got != "ok" {
		t.Fatalf("result = %q, want ok", got)
	}
	if f.callCount() != 1 {
		t.Fatalf("puts = %d, want 1", f.callCount())
	}
	call := f.calls[0]
	if call.bucket != "audit-bucket" {
		t.Errorf("bucket = %q", call.bucket)
	}
	if !strings.HasPrefix(call.key, "grants/2026/08/24/150405-") || !strings.HasSuffix(call.key, ".json") {
		t.Errorf("key = %q", call.key)
	}

	var env Envelope
	if err := json.Unmarshal(call.body, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.ID == "" || env.SHA256 == "" {
		t.Errorf("envelope missing id/digest: %+v", env)
	}
	if env.Record.Principal != "user:alice" || env.Record.GroupID != "g-1" {
		t.Errorf("record = %+v", env.Record)
	}
	if env.Signature != "" || env.KeyARN != "" {
		t.Errorf("unsigned envelope must omit signature fields: %+v", env)
	}
}

func TestRecord_SignedEnvelope(t *testing.T) {
	f := &fakeS3{}
	r := newWithAPI(f, Options{
		Bucket: "audit-bucket",
		Signer: &fakeSigner{sig: []byte{0xde, 0xad}},
	})

	r.Record(context.Background(), grantedResult())
	r.Drain()

	var env Envelope
	if err := json.Unmarshal(f.calls[0].body, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Signature == "" {
		t.Error("signed envelope missing signature")
	}
	if env.KeyARN != "arn:aws:kms:us-east-2:1:key/k" {
		t.Errorf("key_arn = %q", env.KeyARN)
	}
}

func TestRecord_SignFailureCountsAsError(t *testing.T) {
	f := &fakeS3{}
	done := make(chan string, 1)
	r := newWithAPI(f, Options{
		Bucket:   "audit-bucket",
		Signer:   &fakeSigner{err: xerrors.New("kms throttled")},
		OnResult: func(s string) { done <- s },
	})

	r.Record(context.Background(), grantedResult())
	r.Drain()

	if got := <-done; got != "error" {
		t.Fatalf("result = %q, want error", got)
	}
	if f.callCount() != 0 {
		t.Errorf("record must not be stored unsigned when signing fails, puts = %d", f.callCount())
	}
}

func TestRecord_PutFailureIsSwallowed(t *testing.T) {
	f := &fakeS3{err: xerrors.New("NoSuchBucket")}
	done := make(chan string, 1)
	r := newWithAPI(f, Options{
		Bucket:   "audit-bucket",
		OnResult: func(s string) { done <- s },
	})

	// must not panic or block the caller
	r.Record(context.Background(), grantedResult())
	r.Drain()

	if got := <-done; got != "error" {
		t.Fatalf("result = %q, want error", got)
	}
}

func TestKey_DefaultPrefix(t *testing.T) {
	r := newWithAPI(&fakeS3{}, Options{Bucket: "b"})
	key := r.key(grantedResult(), "id-1")
	if !strings.HasPrefix(key, "grants/") {
		t.Errorf("key = %q, want default grants/ prefix", key)
	}
}
