// Package alert publishes structured failure alerts to an operations Slack
// channel. Delivery is best-effort: the notifier never returns an error to
// its caller, because alert delivery failing must not mask the grant
// failure it is reporting.
package alert

import "context"

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Message is the structured alert payload. Context carries diagnostic
// key/values (principal, group, reason); it must never contain secrets.
type Message struct {
	Severity Severity
	Summary  string
	Context  map[string]string
}

// Notifier publishes a message to the operational channel.
type Notifier interface {
	Notify(ctx context.Context, m Message)
}

// Nop is a Notifier that does nothing, used when alerting is not configured.
type Nop struct{}

func (Nop) Notify(context.Context, Message) {}
