// Package ws is the WebSocket front: one Conn per upgraded socket, with a
// reader that dispatches client messages to the subscription service, a
// writer draining the bounded outbox, and keepalive pings.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/churst90/accessible-trader-sub001/internal/metrics"
	"github.com/churst90/accessible-trader-sub001/internal/subscription"
)

const (
	maxMessageSize = 64 * 1024
	writeWait      = 10 * time.Second
	handlerTimeout = 30 * time.Second
)

// inboundMessage is one client frame. The type selects the verb; the
// embedded request carries its parameters.
type inboundMessage struct {
	Type string `json:"type"`
	subscription.Request
}

// Conn adapts one WebSocket to the subscription service's Client interface.
type Conn struct {
	id     string
	userID string

	ws           *websocket.Conn
	out          *outbox
	svc          *subscription.Service
	pingInterval time.Duration
	logger       zerolog.Logger

	closeOnce sync.Once
	writerWG  sync.WaitGroup
}

// NewConn wraps an upgraded socket. userID is empty for anonymous clients.
func NewConn(ws *websocket.Conn, userID string, svc *subscription.Service, pingInterval time.Duration, logger zerolog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:           id,
		userID:       userID,
		ws:           ws,
		out:          newOutbox(),
		svc:          svc,
		pingInterval: pingInterval,
		logger:       logger.With().Str("conn", id).Logger(),
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

// Send enqueues a frame for the writer. Safe for concurrent use. A critical
// frame that cannot be accepted means the client has stopped consuming, so
// the connection is dropped.
func (c *Conn) Send(env subscription.Envelope) error {
	err := c.out.enqueue(env)
	if err != nil && env.Critical() {
		c.logger.Warn().Err(err).Str("type", env.Type).Msg("critical frame undeliverable, dropping connection")
		c.Close()
	}
	return err
}

// Serve runs the connection until the peer goes away or the server shuts
// down. It blocks; the caller owns the goroutine.
func (c *Conn) Serve(ctx context.Context) {
	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	c.writerWG.Add(1)
	go c.writeLoop()

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	c.readLoop()

	c.svc.HandleDisconnect(c)
	c.Close()
	c.writerWG.Wait()
	c.logger.Info().Msg("connection closed")
}

// Close tears the socket down. Idempotent; also used by the server on
// shutdown.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.out.close()
		_ = c.ws.Close()
	})
}

func (c *Conn) readLoop() {
	c.ws.SetReadLimit(maxMessageSize)
	pongWait := 2 * c.pingInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("unexpected close")
			}
			return
		}
		c.dispatch(payload)
	}
}

// dispatch handles one inbound frame. Verbs run inline so each connection's
// requests are processed in order.
func (c *Conn) dispatch(payload []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.sendError("malformed message: " + err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	switch msg.Type {
	case "subscribe":
		if err := c.svc.HandleSubscribe(ctx, c, msg.Request); err != nil {
			c.logger.Debug().Err(err).Msg("subscribe rejected")
		}
	case "unsubscribe":
		if err := c.svc.HandleUnsubscribe(ctx, c, msg.Request); err != nil {
			c.logger.Debug().Err(err).Msg("unsubscribe rejected")
		}
	case "ping", "pong":
		// Heartbeat noise from the client.
	default:
		c.sendError("unknown message type " + msg.Type)
	}
}

func (c *Conn) sendError(message string) {
	env := subscription.Envelope{
		Type:    subscription.TypeError,
		Payload: map[string]string{"message": message},
	}
	if err := c.Send(env); err != nil {
		c.logger.Warn().Err(err).Msg("error frame delivery failed")
	}
}

func (c *Conn) writeLoop() {
	defer c.writerWG.Done()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.out.ch:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			// Application-level heartbeat plus a control ping to refresh the
			// read deadline via the peer's automatic pong.
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(subscription.Envelope{Type: subscription.TypePing}); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat failed")
				c.Close()
				return
			}
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				c.Close()
				return
			}
		case <-c.out.closed:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutdown"),
				time.Now().Add(writeWait))
			return
		}
	}
}
