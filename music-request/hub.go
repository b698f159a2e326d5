package main

import (
	"bytes"
	"context"
	"encoding/json"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// HubConfig carries the collaborators and tunables of a Hub.
type HubConfig struct {
	Lookup          MetadataLookup
	Snapshots       *Snapshots
	MetadataTimeout time.Duration
	SearchFallback  bool
	InitialChat     int
	EventsPerSecond float64
	RestartDelay    time.Duration
	// OnRestart runs once, RestartDelay after a restart-system event.
	OnRestart func()
}

type eventHandler func(c *client, data json.RawMessage)

// Hub owns the shared State and the session Registry. Every read and write of
// either happens on the hub's single loop goroutine, one command at a time;
// slow work (metadata lookups, snapshot I/O) runs on its own goroutine and
// re-enters the loop with a continuation.
type Hub struct {
	cfg      HubConfig
	state    *State
	registry *Registry
	clients  map[string]*client
	handlers map[string]eventHandler

	commands chan func()
	done     chan struct{}
	stopOnce sync.Once
	inflight sync.WaitGroup
	draining atomic.Bool
	restart  sync.Once

	// snapshotting is set while a backup or restore is running. Loop only.
	snapshotting bool

	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

func NewHub(state *State, cfg HubConfig) *Hub {
	if cfg.MetadataTimeout <= 0 {
		cfg.MetadataTimeout = 10 * time.Second
	}
	if cfg.InitialChat <= 0 {
		cfg.InitialChat = initialChatBacklog
	}
	if cfg.RestartDelay < 0 {
		cfg.RestartDelay = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:      cfg,
		state:    state,
		registry: NewRegistry(),
		clients:  make(map[string]*client),
		commands: make(chan func(), 256),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		now:      func() time.Time { return time.Now().UTC() },
	}
	h.handlers = h.eventHandlers()
	go h.loop()
	return h
}

func (h *Hub) loop() {
	for {
		select {
		case fn := <-h.commands:
			h.exec(fn)
		case <-h.done:
			return
		}
	}
}

// exec runs one command; a panic is contained to that command.
func (h *Hub) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("[musicreq] command panicked")
		}
	}()
	fn()
}

// enqueue schedules fn on the loop. It reports false once the hub is closed.
func (h *Hub) enqueue(fn func()) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.commands <- fn:
		return true
	case <-h.done:
		return false
	}
}

// call runs fn on the loop and waits for it to finish.
func (h *Hub) call(fn func()) bool {
	finished := make(chan struct{})
	if !h.enqueue(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-h.done:
		return false
	}
}

// async runs work off the loop and schedules the continuation it returns.
// The work counts as in flight until its continuation has run. Once the hub
// is draining no new work is started and async reports false. Loop only.
func (h *Hub) async(work func(ctx context.Context) func()) bool {
	if h.draining.Load() {
		return false
	}
	h.inflight.Add(1)
	go func() {
		cont := work(h.ctx)
		if cont == nil {
			h.inflight.Done()
			return
		}
		if !h.enqueue(func() {
			defer h.inflight.Done()
			cont()
		}) {
			h.inflight.Done()
		}
	}()
	return true
}

// Settle blocks until every queued command and all async work has finished.
func (h *Hub) Settle() {
	h.call(func() {})
	h.inflight.Wait()
	h.call(func() {})
}

func (h *Hub) drain(ctx context.Context) bool {
	idle := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return true
	case <-ctx.Done():
		return false
	}
}

// Accepting reports whether new connections are welcome.
func (h *Hub) Accepting() bool {
	return !h.draining.Load()
}

// Shutdown announces the shutdown, refuses new connections, waits for in
// flight work until ctx expires, then disconnects everyone and stops the loop.
func (h *Hub) Shutdown(ctx context.Context) {
	if h.draining.Swap(true) {
		return
	}
	h.call(func() {
		h.broadcast(EventServerShutdown, Status{Success: true, Message: "server is shutting down"})
	})
	if !h.drain(ctx) {
		log.Warn().Msg("[musicreq] drain timed out; dropping in-flight work")
	}
	h.call(h.disconnectAll)
	h.Close()
}

// Close stops the loop without ceremony.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		h.cancel()
		close(h.done)
	})
}

func (h *Hub) attach(c *client) bool {
	ok := false
	h.call(func() {
		if h.draining.Load() {
			return
		}
		h.clients[c.id] = c
		connectedClients.Set(float64(len(h.clients)))
		ok = true
	})
	return ok
}

// detach forgets a connection whose read side has ended.
func (h *Hub) detach(connID string) {
	h.enqueue(func() {
		c, ok := h.clients[connID]
		if !ok {
			return
		}
		delete(h.clients, connID)
		close(c.send)
		connectedClients.Set(float64(len(h.clients)))
		if h.registry.Unregister(connID) {
			h.broadcastRoster()
		}
	})
}

func (h *Hub) disconnectAll() {
	for id, c := range h.clients {
		delete(h.clients, id)
		h.registry.Unregister(id)
		close(c.send)
	}
	connectedClients.Set(0)
	activeSessions.Set(0)
}

// dispatch hands an inbound event to the loop.
func (h *Hub) dispatch(c *client, env Envelope) {
	h.enqueue(func() { h.handle(c, env) })
}

func (h *Hub) handle(c *client, env Envelope) {
	fn, ok := h.handlers[env.Event]
	if !ok {
		eventsTotal.WithLabelValues("unknown", "dropped").Inc()
		log.Debug().Str("event", env.Event).Str("conn", c.id).Msg("[musicreq] unknown event")
		return
	}
	if adminEvents[env.Event] && !c.admin {
		eventsTotal.WithLabelValues(env.Event, "forbidden").Inc()
		log.Warn().Str("event", env.Event).Str("conn", c.id).Msg("[musicreq] admin event from non-admin connection")
		return
	}
	eventsTotal.WithLabelValues(env.Event, "handled").Inc()
	fn(c, env.Data)
}

func encodeEvent(event string, data any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(outbound{Event: event, Data: data}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// broadcast delivers an event to every open connection.
func (h *Hub) broadcast(event string, data any) {
	msg, err := encodeEvent(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("[musicreq] encode broadcast")
		return
	}
	for _, c := range h.clients {
		c.push(msg)
	}
}

// sendTo delivers an event to one connection, if it is still open.
func (h *Hub) sendTo(connID, event string, data any) {
	c, ok := h.clients[connID]
	if !ok {
		return
	}
	msg, err := encodeEvent(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("[musicreq] encode reply")
		return
	}
	c.push(msg)
}

func (h *Hub) broadcastRoster() {
	activeSessions.Set(float64(h.registry.Len()))
	h.broadcast(EventActiveUsers, h.registry.Users())
}

func (h *Hub) broadcastQueue() {
	queueLength.Set(float64(len(h.state.Queue)))
	h.broadcast(EventSongQueue, h.state.Queue)
}

func (h *Hub) broadcastPlayback() {
	h.broadcast(EventCurrentSong, h.state.Current)
	h.broadcastQueue()
	h.broadcast(EventSongHistory, h.state.SongHistory)
}

func (h *Hub) initialState() InitialState {
	return InitialState{
		SongQueue:   h.state.Queue,
		CurrentSong: h.state.Current,
		ActiveUsers: h.registry.Users(),
		SongHistory: h.state.SongHistory,
		ChatHistory: h.state.RecentChat(h.cfg.InitialChat),
		HeaderColor: h.state.HeaderColor,
		Title:       h.state.Title,
	}
}
