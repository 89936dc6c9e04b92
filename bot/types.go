package bot

import (
	"fmt"
	"log/slog"
	"time"
)

// Credential is a user's OAuth token pair. UserID is unique across the store.
type Credential struct {
	UserID       string
	AccessToken  string
	RefreshToken string
}

// LogValue keeps token material out of structured logs.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_id", c.UserID),
		slog.String("access_token", MaskToken(c.AccessToken)),
		slog.String("refresh_token", MaskToken(c.RefreshToken)),
	)
}

// MaskToken returns a short tail of a secret, enough to correlate without leaking it.
func MaskToken(tok string) string {
	if len(tok) <= 6 {
		return "***"
	}
	return "***" + tok[len(tok)-4:]
}

// SubscriptionType names an EventSub subscription kind.
type SubscriptionType string

const (
	// ChatMessageType delivers every chat message of a broadcaster's channel to a listener.
	ChatMessageType SubscriptionType = "channel.chat.message"
)

// Version returns the EventSub version requested for the type.
func (t SubscriptionType) Version() string { return "1" }

// Descriptor identifies a server-side subscription. It is comparable and its identity is
// the whole tuple.
type Descriptor struct {
	Type              SubscriptionType
	BroadcasterUserID string
	ListenerUserID    string
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s(broadcaster=%s,listener=%s)", d.Type, d.BroadcasterUserID, d.ListenerUserID)
}

// ChatMessageSubscription builds the chat descriptor for a broadcaster as heard by listener.
func ChatMessageSubscription(broadcasterUserID, listenerUserID string) Descriptor {
	return Descriptor{Type: ChatMessageType, BroadcasterUserID: broadcasterUserID, ListenerUserID: listenerUserID}
}

// SubscriptionResult is the outcome of a bulk subscribe. A partial failure is a normal
// result, reported per descriptor in Errors.
type SubscriptionResult struct {
	Succeeded []Descriptor
	Errors    map[Descriptor]error
}

// Failed reports whether any descriptor failed.
func (r SubscriptionResult) Failed() bool { return len(r.Errors) > 0 }

// merge folds other into r.
func (r *SubscriptionResult) merge(other SubscriptionResult) {
	r.Succeeded = append(r.Succeeded, other.Succeeded...)
	for d, err := range other.Errors {
		if r.Errors == nil {
			r.Errors = make(map[Descriptor]error)
		}
		r.Errors[d] = err
	}
}

// Identity is the bot's immutable application identity.
type Identity struct {
	ClientID     string
	ClientSecret string
	BotUserID    string
	OwnerUserID  string
}

// ValidatedToken is what the identity validation call returns for a token pair. The pair
// may differ from the submitted one when the access token had to be refreshed.
type ValidatedToken struct {
	UserID       string
	Login        string
	AccessToken  string
	RefreshToken string
	Scopes       []string
	ExpiresIn    time.Duration
}

// Credential returns the pair as a storable credential.
func (v ValidatedToken) Credential() Credential {
	return Credential{UserID: v.UserID, AccessToken: v.AccessToken, RefreshToken: v.RefreshToken}
}
