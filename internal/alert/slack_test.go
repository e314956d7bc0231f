package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"

	"github.com/keithlinneman/signup-provisioner/internal/xerrors"
)

type fakePoster struct {
	mu       sync.Mutex
	err      error
	channels []string
	blocks   [][]slack.Block
}

func (f *fakePoster) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channelID)
	// unpack blocks for assertions
	_, values, err := slack.UnsafeApplyMsgOptions("token", channelID, "https://slack.example/api/", options...)
	if err == nil {
		if raw := values.Get("blocks"); raw != "" {
			var blocks slack.Blocks
			if uerr := blocks.UnmarshalJSON([]byte(raw)); uerr == nil {
				f.blocks = append(f.blocks, blocks.BlockSet)
			}
		}
	}
	return channelID, "ts", f.err
}

func (f *fakePoster) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

func testMessage() Message {
	return Message{
		Severity: SeverityError,
		Summary:  "signup grant failed",
		Context: map[string]string{
			"principal": "user:alice",
			"group_id":  "g-1",
			"reason":    "timeout",
		},
	}
}

func TestNotify_PostsToConfiguredChannel(t *testing.T) {
	f := &fakePoster{}
	var results []string
	n := newSlackWithPoster(f, SlackOptions{
		WorkspaceID: "T0WS",
		ChannelID:   "C0CH",
		OnResult:    func(s string) { results = append(results, s) },
	})

	n.Notify(context.Background(), testMessage())
	n.Drain()

	if f.calls() != 1 {
		t.Fatalf("calls = %d, want 1", f.calls())
	}
	if f.channels[0] != "C0CH" {
		t.Errorf("channel = %q, want C0CH", f.channels[0])
	}
	if len(results) != 1 || results[0] != "ok" {
		t.Errorf("results = %v, want [ok]", results)
	}
}

func TestNotify_DeliveryFailureIsSwallowed(t *testing.T) {
	f := &fakePoster{err: xerrors.New("channel_not_found")}
	var results []string
	n := newSlackWithPoster(f, SlackOptions{
		WorkspaceID: "T0WS",
		ChannelID:   "C0CH",
		OnResult:    func(s string) { results = append(results, s) },
	})

	// must not panic or block the caller
	n.Notify(context.Background(), testMessage())
	n.Drain()

	if len(results) != 1 || results[0] != "error" {
		t.Errorf("results = %v, want [error]", results)
	}
}

func TestNotify_DetachedFromCallerCancellation(t *testing.T) {
	f := &fakePoster{}
	n := newSlackWithPoster(f, SlackOptions{WorkspaceID: "T0WS", ChannelID: "C0CH"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already-cancelled request context
	n.Notify(ctx, testMessage())

	done := make(chan struct{})
	go func() { n.Drain(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Drain did not finish")
	}
	if f.calls() != 1 {
		t.Fatalf("delivery should still run after caller cancel, calls = %d", f.calls())
	}
}

func TestNop_Notify(t *testing.T) {
	// no-op notifier must never panic regardless of message shape
	Nop{}.Notify(context.Background(), Message{})
}

func TestBuildBlocks_HeaderAndFields(t *testing.T) {
	blocks := buildBlocks(testMessage())
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want header + section", len(blocks))
	}
	if _, ok := blocks[0].(*slack.HeaderBlock); !ok {
		t.Errorf("first block = %T, want HeaderBlock", blocks[0])
	}
	section, ok := blocks[1].(*slack.SectionBlock)
	if !ok {
		t.Fatalf("second block = %T, want SectionBlock", blocks[1])
	}
	if len(section.Fields) != 3 {
		t.Errorf("fields = %d, want 3", len(section.Fields))
	}
}

func TestBuildBlocks_EmptyContext(t *testing.T) {
	blocks := buildBlocks(Message{Severity: SeverityWarning, Summary: "x"})
	if len(blocks) != 1 {
		t.Fatalf("blocks = %d, want header only", len(blocks))
	}
}
