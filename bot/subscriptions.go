package bot

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/bugbot/telemetry"
)

// Subscriber issues a batch of subscription requests. Implementations report failures per
// descriptor and never fail the batch as a whole.
type Subscriber interface {
	SubscribeMany(ctx context.Context, descs []Descriptor) SubscriptionResult
}

// DeriveInitialSubscriptions returns one chat subscription per stored credential, skipping
// the bot's own channel. Duplicate user ids collapse to one descriptor.
func DeriveInitialSubscriptions(creds []Credential, botUserID string) []Descriptor {
	out := make([]Descriptor, 0, len(creds))
	seen := make(map[Descriptor]struct{}, len(creds))
	for _, c := range creds {
		if c.UserID == "" || c.UserID == botUserID {
			continue
		}
		d := ChatMessageSubscription(c.UserID, botUserID)
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// SubscriptionManager computes the subscriptions a user needs and issues them through
// the transport.
type SubscriptionManager struct {
	subscriber Subscriber
	botUserID  string
}

// NewSubscriptionManager returns a manager issuing requests through s.
func NewSubscriptionManager(s Subscriber, botUserID string) *SubscriptionManager {
	return &SubscriptionManager{subscriber: s, botUserID: botUserID}
}

// ForAuthorization returns the subscriptions a newly authorized user needs. The bot's own
// channel and unresolved users get none.
func (m *SubscriptionManager) ForAuthorization(userID string) []Descriptor {
	if userID == "" || userID == m.botUserID {
		return nil
	}
	return []Descriptor{ChatMessageSubscription(userID, m.botUserID)}
}

// SubscribeMany sends descs as one batch. Each failed descriptor is logged with the
// broadcaster's user id and the reason; the caller decides what else to do with them.
func (m *SubscriptionManager) SubscribeMany(ctx context.Context, descs []Descriptor) SubscriptionResult {
	batch := dedupe(descs)
	if len(batch) == 0 {
		return SubscriptionResult{}
	}

	ctx, span := telemetry.StartSpan(ctx, "subscriptions.subscribe_many")
	defer span.End()

	res := m.subscriber.SubscribeMany(ctx, batch)
	for _, d := range res.Succeeded {
		telemetry.IncVec(telemetry.SubscriptionsTotal, string(d.Type), "ok")
		slog.Debug("subscribed", slog.String("type", string(d.Type)), slog.String("user_id", d.BroadcasterUserID), slog.String("component", "subscriptions"))
	}
	for d, err := range res.Errors {
		telemetry.IncVec(telemetry.SubscriptionsTotal, string(d.Type), "failed")
		slog.Warn("subscription failed",
			slog.String("type", string(d.Type)),
			slog.String("user_id", d.BroadcasterUserID),
			slog.String("listener_id", d.ListenerUserID),
			slog.Any("err", err),
			slog.String("component", "subscriptions"))
	}
	if res.Failed() {
		span.SetAttributes(attribute.Int("subscriptions.failed", len(res.Errors)))
	}
	return res
}

func dedupe(descs []Descriptor) []Descriptor {
	seen := make(map[Descriptor]struct{}, len(descs))
	out := make([]Descriptor, 0, len(descs))
	for _, d := range descs {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
