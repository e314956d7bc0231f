package alert

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"github.com/keithlinneman/signup-provisioner/internal/log"
)

// slackPoster is the subset of the slack client we call.
// Extracted as an interface to enable unit testing without a live workspace.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

type SlackOptions struct {
	Logger      log.Logger
	WorkspaceID string
	ChannelID   string

	// Timeout bounds each delivery attempt. Defaults to 10s.
	Timeout time.Duration

	// OnResult is called with "ok" or "error" after each delivery attempt,
	// used for incrementing prometheus counters.
	OnResult func(status string)
}

// SlackNotifier delivers alerts to a Slack channel, detached from the
// caller: Notify returns immediately and delivery runs in the background.
type SlackNotifier struct {
	client slackPoster
	opts   SlackOptions
	logger log.Logger

	wg sync.WaitGroup
}

// NewSlack builds a notifier for the given workspace/channel pair.
func NewSlack(client *slack.Client, opts SlackOptions) *SlackNotifier {
	return newSlackWithPoster(client, opts)
}

func newSlackWithPoster(client slackPoster, opts SlackOptions) *SlackNotifier {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &SlackNotifier{client: client, opts: opts, logger: opts.Logger}
}

func severityEmoji(s Severity) string {
	switch s {
	case SeverityError:
		return "🚨"
	case SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// Notify publishes the message and returns without waiting for delivery.
// Failures are logged and counted, never surfaced.
func (n *SlackNotifier) Notify(ctx context.Context, m Message) {
	// detach from the request context so an already-answered request does
	// not cancel the delivery, but keep trace/log values
	dctx := context.WithoutCancel(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		cctx, cancel := context.WithTimeout(dctx, n.opts.Timeout)
		defer cancel()

		_, _, err := n.client.PostMessageContext(cctx, n.opts.ChannelID,
			slack.MsgOptionBlocks(buildBlocks(m)...),
			slack.MsgOptionText(fmt.Sprintf("%s %s", severityEmoji(m.Severity), m.Summary), false),
		)
		if err != nil {
			n.logger.Error(cctx, err, "alert delivery failed",
				"workspace_id", n.opts.WorkspaceID,
				"channel_id", n.opts.ChannelID,
				"severity", string(m.Severity),
			)
			if n.opts.OnResult != nil {
				n.opts.OnResult("error")
			}
			return
		}
		if n.opts.OnResult != nil {
			n.opts.OnResult("ok")
		}
	}()
}

// Drain blocks until all in-flight deliveries finish, used on shutdown.
func (n *SlackNotifier) Drain() { n.wg.Wait() }

// buildBlocks renders the alert as a header plus context fields.
func buildBlocks(m Message) []slack.Block {
	header := slack.NewHeaderBlock(
		slack.NewTextBlockObject(slack.PlainTextType,
			fmt.Sprintf("%s %s", severityEmoji(m.Severity), m.Summary), true, false),
	)

	keys := make([]string, 0, len(m.Context))
	for k := range m.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]*slack.TextBlockObject, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*%s:*\n%s", k, m.Context[k]), false, false))
	}

	blocks := []slack.Block{header}
	if len(fields) > 0 {
		blocks = append(blocks, slack.NewSectionBlock(nil, fields, nil))
	}
	return blocks
}
