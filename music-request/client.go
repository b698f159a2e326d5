package main

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 25 * time.Second
	sendBufferSize = 256
	maxMessageSize = 1 << 20
)

// client is one websocket connection. send is owned by the hub loop: only the
// loop pushes to it and only the loop closes it.
type client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	admin   bool
	limiter *rate.Limiter
}

func newClient(h *Hub, conn *websocket.Conn, admin bool) *client {
	limit, burst := rate.Inf, 0
	if eps := h.cfg.EventsPerSecond; eps > 0 {
		limit, burst = rate.Limit(eps), int(math.Ceil(eps*2))
	}
	return &client{
		id:      uuid.NewString(),
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		admin:   admin,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// push never blocks the loop: a full buffer loses its oldest frame.
func (c *client) push(msg []byte) {
	select {
	case c.send <- msg:
	default:
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.detach(c.id)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("conn", c.id).Msg("[musicreq] read message")
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil || env.Event == "" {
			continue
		}
		if !c.limiter.Allow() {
			eventsTotal.WithLabelValues(env.Event, "rate_limited").Inc()
			continue
		}
		c.hub.dispatch(c, env)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closed connection"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
