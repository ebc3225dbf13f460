// Package notifier implements the C11 notifier facade: fan-out to
// channel adapters (push/sms/email/webhook/chat), channel selection by
// severity, and a delivery log persisted through the Sink.
package notifier

import (
	"context"
	"strings"
	"sync"
	"time"

	"dispatch/pkg/logger"
)

// Channel is one of the five delivery channels the facade supports.
type Channel string

const (
	ChannelPush    Channel = "push"
	ChannelSMS     Channel = "sms"
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
	ChannelChat    Channel = "chat"
)

// Severity governs channel selection in OptimalChannels.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityUrgent   Severity = "urgent"
	SeverityCritical Severity = "critical"
)

// Recipient carries the per-channel addresses the facade needs to decide
// whether a channel can be attempted at all.
type Recipient struct {
	ID          string
	Role        string // "admin" enables the chat channel regardless of severity
	PushToken   string
	Phone       string
	Email       string
	WebhookURL  string
	ChatID      string
}

// Message is the payload handed to every channel adapter.
type Message struct {
	Title    string
	Body     string
	Severity Severity
}

// Adapter sends a Message to a Recipient over one channel.
type Adapter interface {
	Send(ctx context.Context, r Recipient, m Message) error
}

// DeliveryResult records one channel's outcome.
type DeliveryResult struct {
	Channel    Channel
	Successful bool
	Error      string
}

// DeliveryLog is the record persisted to the `notification_logs` topic.
type DeliveryLog struct {
	RecipientID string
	Role        string
	Title       string
	BodyPrefix  string
	Severity    Severity
	Results     []DeliveryResult
	At          time.Time
	Successful  bool
}

// Sink is the subset of the audit Sink interface the notifier needs:
// append-only persistence of delivery logs.
type Sink interface {
	AppendAudit(ctx context.Context, topic string, record any) error
}

// Facade is the C11 component.
type Facade struct {
	adapters map[Channel]Adapter
	sink     Sink
	nowFn    func() time.Time
}

// New builds a Facade with the given channel adapters (nil entries are
// treated as "channel unavailable"). sink may be nil; delivery logs are
// then not persisted.
func New(adapters map[Channel]Adapter, sink Sink) *Facade {
	return &Facade{adapters: adapters, sink: sink, nowFn: time.Now}
}

// Send attempts recipient+message delivery over every requested channel
// that the recipient carries an address for. It aggregates per-channel
// results and always persists a delivery log, regardless of outcome.
func (f *Facade) Send(ctx context.Context, r Recipient, m Message, channels []Channel) (DeliveryLog, error) {
	log := DeliveryLog{
		RecipientID: r.ID,
		Role:        r.Role,
		Title:       m.Title,
		BodyPrefix:  truncate(m.Body, 100),
		Severity:    m.Severity,
		At:          f.nowFn(),
	}

	anySuccess := false
	for _, ch := range channels {
		if !hasAddress(r, ch) {
			continue
		}
		adapter, ok := f.adapters[ch]
		if !ok || adapter == nil {
			continue
		}

		err := adapter.Send(ctx, r, m)
		result := DeliveryResult{Channel: ch, Successful: err == nil}
		if err != nil {
			result.Error = err.Error()
			logger.Log.Warn("notifier channel delivery failed", "channel", ch, "recipient", r.ID, "error", err)
		} else {
			anySuccess = true
		}
		log.Results = append(log.Results, result)
	}
	log.Successful = anySuccess

	if f.sink != nil {
		if err := f.sink.AppendAudit(ctx, "notification_logs", log); err != nil {
			logger.Log.Warn("failed to persist notification log", "error", err)
		}
	}

	return log, nil
}

func hasAddress(r Recipient, ch Channel) bool {
	switch ch {
	case ChannelPush:
		return r.PushToken != ""
	case ChannelSMS:
		return r.Phone != ""
	case ChannelEmail:
		return r.Email != ""
	case ChannelWebhook:
		return r.WebhookURL != ""
	case ChannelChat:
		return r.ChatID != ""
	default:
		return false
	}
}

// OptimalChannels selects the channel set for a severity per §4.11:
// push always (if a token is present), sms for urgent/critical (if a
// phone is present), email for critical (if an email is present), and
// chat for admins regardless of severity. The result is deduplicated.
func OptimalChannels(r Recipient, severity Severity) []Channel {
	seen := make(map[Channel]bool)
	var out []Channel
	add := func(ch Channel) {
		if !seen[ch] {
			seen[ch] = true
			out = append(out, ch)
		}
	}

	if r.PushToken != "" {
		add(ChannelPush)
	}
	if (severity == SeverityUrgent || severity == SeverityCritical) && r.Phone != "" {
		add(ChannelSMS)
	}
	if severity == SeverityCritical && r.Email != "" {
		add(ChannelEmail)
	}
	if r.Role == "admin" {
		add(ChannelChat)
	}

	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// noopAdapter is used where a concrete channel backend is genuinely out of
// scope (spec §1: "notification channel backends ... referenced only
// through thin interfaces"). It logs the attempted send and succeeds,
// matching the source's stubbed adapters.
type noopAdapter struct {
	channel Channel
	mu      sync.Mutex
	sent    int
}

// NewNoopAdapter returns a stub Adapter that logs and counts sends; used
// for push/sms/email/webhook, whose backends are out of scope per spec §1,
// and for chat when no Slack bot token is configured.
func NewNoopAdapter(channel Channel) Adapter {
	return &noopAdapter{channel: channel}
}

func (a *noopAdapter) Send(_ context.Context, r Recipient, m Message) error {
	a.mu.Lock()
	a.sent++
	a.mu.Unlock()
	logger.Log.Info("stubbed notification send", "channel", a.channel, "recipient", r.ID, "title", m.Title)
	return nil
}

// SentCount reports how many sends this stub has recorded; used by tests.
func (a *noopAdapter) SentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sent
}

// Severity helper used by callers building alerts without importing this
// package's constants directly by string.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(s) {
	case "urgent":
		return SeverityUrgent
	case "critical":
		return SeverityCritical
	default:
		return SeverityNormal
	}
}
