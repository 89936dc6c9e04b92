// Package eventsub keeps a Twitch EventSub websocket session alive and hands its messages
// to a Handler. It reconnects with exponential backoff and follows session_reconnect.
package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/onnwee/bugbot/telemetry"
)

// DefaultURL is the production EventSub websocket endpoint.
const DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

const (
	defaultKeepalive = 10 * time.Second
	keepaliveGrace   = 5 * time.Second
	maxSeenMessages  = 1024
)

// Welcome reports a usable session. Reconnected is true when the session moved to a new
// connection after session_reconnect; its subscriptions carry over.
type Welcome struct {
	SessionID   string
	Reconnected bool
}

// Handler receives session events. Methods are called from the read loop and must not
// block for long.
type Handler interface {
	OnWelcome(ctx context.Context, w Welcome)
	OnNotification(ctx context.Context, n Notification)
	OnRevocation(ctx context.Context, sub Subscription)
	OnDisconnect(err error)
}

// Session owns one logical EventSub session.
type Session struct {
	URL     string
	Dialer  *websocket.Dialer
	Handler Handler

	// MaxBackoff caps the wait between reconnect attempts.
	MaxBackoff time.Duration

	seen    map[string]struct{}
	seenLog []string
}

// errReconnect hands the run loop the already dialed replacement connection.
type errReconnect struct{ conn *websocket.Conn }

func (e errReconnect) Error() string { return "session reconnect requested" }

// Run connects and serves messages until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	if s.Handler == nil {
		return errors.New("eventsub: handler is required")
	}
	url := s.URL
	if url == "" {
		url = DefaultURL
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = s.MaxBackoff
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = 2 * time.Minute
	}

	var next *websocket.Conn
	for {
		reconnecting := next != nil
		conn := next
		next = nil
		var (
			welcomed bool
			err      error
		)
		if conn == nil {
			conn, err = s.dial(ctx, url)
		}
		if err == nil {
			welcomed, err = s.serve(ctx, conn, reconnecting)
		}
		var rc errReconnect
		isReconnect := errors.As(err, &rc)
		if ctx.Err() != nil {
			if isReconnect {
				_ = rc.conn.Close()
			}
			return nil
		}

		// the session survives a reconnect, so the handler is not told it dropped
		if isReconnect {
			slog.Info("eventsub reconnect requested", slog.String("component", "eventsub"))
			telemetry.Inc(telemetry.EventSubReconnects)
			next = rc.conn
			continue
		}
		telemetry.UpdateConnectedGauge(false)
		s.Handler.OnDisconnect(err)

		if welcomed {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = bo.MaxInterval
		}
		slog.Warn("eventsub connection lost", slog.Any("err", err), slog.Duration("retry_in", wait), slog.String("component", "eventsub"))
		telemetry.Inc(telemetry.EventSubReconnects)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (s *Session) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// serve reads conn until it fails. On session_reconnect the replacement is dialed while
// conn is still open and returned inside errReconnect; conn is closed only after that.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn, reconnecting bool) (welcomed bool, err error) {
	defer func() { _ = conn.Close() }()

	// unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	keepalive := defaultKeepalive
	for {
		if err := conn.SetReadDeadline(time.Now().Add(keepalive + keepaliveGrace)); err != nil {
			return welcomed, err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return welcomed, fmt.Errorf("read: %w", err)
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("eventsub: undecodable frame", slog.Any("err", err), slog.String("component", "eventsub"))
			continue
		}
		if s.duplicate(env.Metadata.MessageID) {
			continue
		}

		switch env.Metadata.MessageType {
		case TypeWelcome:
			var p sessionPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return welcomed, fmt.Errorf("decode welcome: %w", err)
			}
			if p.Session.KeepaliveTimeoutSeconds > 0 {
				keepalive = time.Duration(p.Session.KeepaliveTimeoutSeconds) * time.Second
			}
			welcomed = true
			telemetry.UpdateConnectedGauge(true)
			slog.Info("eventsub session welcomed",
				slog.String("session_id", p.Session.ID),
				slog.Bool("reconnected", reconnecting),
				slog.String("component", "eventsub"))
			s.Handler.OnWelcome(ctx, Welcome{SessionID: p.Session.ID, Reconnected: reconnecting})
		case TypeKeepalive:
		case TypeNotification:
			var n Notification
			if err := json.Unmarshal(env.Payload, &n); err != nil {
				slog.Warn("eventsub: undecodable notification", slog.Any("err", err), slog.String("component", "eventsub"))
				continue
			}
			s.Handler.OnNotification(ctx, n)
		case TypeRevocation:
			var p revocationPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				slog.Warn("eventsub: undecodable revocation", slog.Any("err", err), slog.String("component", "eventsub"))
				continue
			}
			s.Handler.OnRevocation(ctx, p.Subscription)
		case TypeReconnect:
			var p sessionPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil || p.Session.ReconnectURL == "" {
				return welcomed, fmt.Errorf("decode reconnect: %w", errors.Join(err, errors.New("missing reconnect_url")))
			}
			next, err := s.dial(ctx, p.Session.ReconnectURL)
			if err != nil {
				return welcomed, fmt.Errorf("follow reconnect: %w", err)
			}
			return welcomed, errReconnect{conn: next}
		default:
			slog.Debug("eventsub: ignoring message", slog.String("type", env.Metadata.MessageType), slog.String("component", "eventsub"))
		}
	}
}

// duplicate reports whether the message id was already handled. The server may resend a
// message; the window is bounded.
func (s *Session) duplicate(id string) bool {
	if id == "" {
		return false
	}
	if s.seen == nil {
		s.seen = make(map[string]struct{}, maxSeenMessages)
	}
	if _, ok := s.seen[id]; ok {
		return true
	}
	s.seen[id] = struct{}{}
	s.seenLog = append(s.seenLog, id)
	if len(s.seenLog) > maxSeenMessages {
		delete(s.seen, s.seenLog[0])
		s.seenLog = s.seenLog[1:]
	}
	return false
}
