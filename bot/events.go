package bot

import "context"

// Event is one of AuthorizationCompleted, ChatMessage or SubscriptionRevoked.
type Event interface {
	event()
}

// AuthorizationCompleted fires when a user finishes an OAuth grant. UserID is empty when
// the grant flow could not resolve it; validation resolves the canonical id.
type AuthorizationCompleted struct {
	AccessToken  string
	RefreshToken string
	UserID       string
}

// ChatMessage is a chat line delivered by the chat subscription.
type ChatMessage struct {
	BroadcasterID    string
	BroadcasterLogin string
	ChatterID        string
	ChatterLogin     string
	MessageID        string
	Text             string
}

// SubscriptionRevoked reports that the platform dropped a subscription.
type SubscriptionRevoked struct {
	Descriptor Descriptor
	Reason     string
}

func (AuthorizationCompleted) event() {}
func (ChatMessage) event()            {}
func (SubscriptionRevoked) event()    {}

// MessageHandler consumes chat messages (the command layer).
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg ChatMessage)
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, msg ChatMessage)

func (f MessageHandlerFunc) HandleMessage(ctx context.Context, msg ChatMessage) { f(ctx, msg) }

// Callbacks are the slots the transport invokes. Nil slots are skipped.
type Callbacks struct {
	OnAuthorization func(ctx context.Context, ev AuthorizationCompleted) error
	OnMessage       func(ctx context.Context, ev ChatMessage)
	OnRevocation    func(ctx context.Context, ev SubscriptionRevoked)
	OnReady         func(ctx context.Context)
}
