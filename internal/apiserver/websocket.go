package apiserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coldbell/agentarena/backend/internal/indexer"
)

const (
	channelLeaderboard      = "leaderboard"
	channelAgentPerformance = "agent.performance."
	channelMarketPrice      = "market.price."

	defaultWebsocketInterval = 2 * time.Second
	websocketPingInterval    = 30 * time.Second
	websocketReadTimeout     = 90 * time.Second
	websocketWriteTimeout    = 10 * time.Second
	websocketMaxMessageBytes = 64 * 1024
)

type websocketSubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// websocketEnvelope is every server frame. Type is one of event, subscribed,
// unsubscribed or error.
type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(req *http.Request) bool {
			return s.isOriginAllowed(strings.TrimSpace(req.Header.Get("Origin")))
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session := &wsSession{
		svc:      s,
		conn:     conn,
		subs:     newSubscriptionSet(),
		requests: make(chan websocketSubscribeRequest, 16),
	}
	readErr := make(chan error, 1)
	go session.readRequests(ctx, readErr)

	if err := session.serve(ctx, readErr); err != nil {
		s.logger.Debug("websocket session closed", "remote", r.RemoteAddr, "err", err)
	}
}

// wsSession owns one connection. Only serve writes to conn; readRequests
// hands client messages over through requests.
type wsSession struct {
	svc      *Service
	conn     *websocket.Conn
	subs     subscriptionSet
	requests chan websocketSubscribeRequest
}

func (ws *wsSession) serve(ctx context.Context, readErr <-chan error) error {
	interval := ws.svc.cfg.WebsocketPushInterval
	if interval <= 0 {
		interval = defaultWebsocketInterval
	}
	push := time.NewTicker(interval)
	defer push.Stop()
	ping := time.NewTicker(websocketPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case req := <-ws.requests:
			if err := ws.apply(ctx, req); err != nil {
				return err
			}
		case <-ping.C:
			deadline := time.Now().Add(websocketWriteTimeout)
			if err := ws.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return err
			}
		case <-push.C:
			for _, channel := range ws.subs.List() {
				if err := ws.publish(ctx, channel); err != nil {
					return err
				}
			}
		}
	}
}

// apply acknowledges a client request. A new subscription is published
// right away instead of waiting for the next push tick.
func (ws *wsSession) apply(ctx context.Context, req websocketSubscribeRequest) error {
	if !isKnownChannel(req.Channel) {
		return ws.write(websocketEnvelope{Type: "error", Channel: req.Channel, Error: "unknown channel"})
	}
	switch req.Type {
	case "subscribe":
		ws.subs.Add(req.Channel)
		if err := ws.write(websocketEnvelope{Type: "subscribed", Channel: req.Channel}); err != nil {
			return err
		}
		return ws.publish(ctx, req.Channel)
	case "unsubscribe":
		ws.subs.Remove(req.Channel)
		return ws.write(websocketEnvelope{Type: "unsubscribed", Channel: req.Channel})
	default:
		return ws.write(websocketEnvelope{Type: "error", Channel: req.Channel, Error: "unsupported message type"})
	}
}

func (ws *wsSession) publish(ctx context.Context, channel string) error {
	payload, err := ws.svc.getWebsocketPayload(ctx, channel)
	if err != nil {
		ws.svc.logger.Warn("websocket payload failed", "channel", channel, "err", err)
		return ws.write(websocketEnvelope{Type: "error", Channel: channel, Error: "failed to fetch channel data"})
	}
	if payload == nil {
		return nil
	}
	return ws.write(websocketEnvelope{Type: "event", Channel: channel, Data: payload})
}

func (ws *wsSession) write(envelope websocketEnvelope) error {
	envelope.TS = time.Now().Unix()
	if err := ws.conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout)); err != nil {
		return err
	}
	return ws.conn.WriteJSON(envelope)
}

func (ws *wsSession) readRequests(ctx context.Context, readErr chan<- error) {
	ws.conn.SetReadLimit(websocketMaxMessageBytes)
	extend := func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(websocketReadTimeout))
	}
	_ = extend("")
	ws.conn.SetPongHandler(extend)

	for {
		var message websocketSubscribeRequest
		if err := ws.conn.ReadJSON(&message); err != nil {
			readErr <- err
			return
		}
		_ = extend("")
		message.Type = strings.ToLower(strings.TrimSpace(message.Type))
		message.Channel = strings.TrimSpace(message.Channel)
		select {
		case ws.requests <- message:
		case <-ctx.Done():
			return
		}
	}
}

// getWebsocketPayload returns nil when a channel has nothing to publish yet.
func (s *Service) getWebsocketPayload(ctx context.Context, channel string) (any, error) {
	var (
		payload any
		err     error
	)
	switch {
	case channel == channelLeaderboard:
		payload, err = s.leaderboard(ctx, "")
	case strings.HasPrefix(channel, channelAgentPerformance):
		payload, err = s.agentPerformance(ctx, strings.TrimPrefix(channel, channelAgentPerformance), "")
	case strings.HasPrefix(channel, channelMarketPrice):
		payload, err = s.store.GetLatestMarketPrice(ctx, strings.TrimPrefix(channel, channelMarketPrice))
	default:
		return nil, nil
	}
	if errors.Is(err, indexer.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func isKnownChannel(channel string) bool {
	for _, prefix := range []string{channelAgentPerformance, channelMarketPrice} {
		if strings.HasPrefix(channel, prefix) {
			return len(channel) > len(prefix)
		}
	}
	return channel == channelLeaderboard
}

// subscriptionSet is owned by a single session goroutine.
type subscriptionSet map[string]struct{}

func newSubscriptionSet() subscriptionSet {
	return subscriptionSet{}
}

func (s subscriptionSet) Add(channel string) {
	s[channel] = struct{}{}
}

func (s subscriptionSet) Remove(channel string) {
	delete(s, channel)
}

// List returns subscribed channels in a stable order.
func (s subscriptionSet) List() []string {
	out := make([]string, 0, len(s))
	for channel := range s {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}
