// Package bridge implements the dashboard WebSocket bridge: it forwards
// exported bus topics to connected dashboard clients and feeds their
// command frames back in as raw input.
//
// Only topics marked Export in the registry ever leave the process, and
// the only inbound topic accepted from a client is raw input; everything
// else a client sends is rejected with an error frame.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/cantinaos/cantina/internal/service"
	"github.com/cantinaos/cantina/pkg/bus"
	"github.com/cantinaos/cantina/pkg/events"
)

// ServiceName identifies the dashboard bridge on the bus.
const ServiceName = "dashboard_bridge"

// clientQueueSize bounds each client's outbound frame queue. A slow
// dashboard loses frames rather than backing up the bus.
const clientQueueSize = 128

// frame is the wire format in both directions.
type frame struct {
	Topic     events.Topic    `json:"topic"`
	Timestamp float64         `json:"timestamp,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// errorFrame tells a client why its message was rejected.
type errorFrame struct {
	Error string `json:"error"`
}

// Bridge is the dashboard bridge service.
type Bridge struct {
	*service.Base

	addr   string
	server *http.Server

	mu      sync.Mutex
	bound   net.Addr
	clients map[*client]struct{}
}

type client struct {
	conn      *websocket.Conn
	sessionID string
	send      chan frame
	done      chan struct{}
	closeOnce sync.Once
}

var _ service.Service = (*Bridge)(nil)

// New creates the bridge listening on addr.
func New(b *bus.Bus, addr string, opts ...service.Option) *Bridge {
	br := &Bridge{
		Base:    service.NewBase(ServiceName, b, opts...),
		addr:    addr,
		clients: make(map[*client]struct{}),
	}
	// Relay every exported topic. One handler fans out to all clients.
	for _, topic := range b.Registry().Exports() {
		br.Declare(topic, br.onExported)
	}
	return br
}

// Start opens the listener after the base startup.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.Base.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		b.EmitStatus(events.StatusError, events.KindLifecycle, "dashboard listen failed")
		return fmt.Errorf("bridge: listen %s: %w", b.addr, err)
	}
	b.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	b.mu.Lock()
	b.bound = ln.Addr()
	b.mu.Unlock()
	b.Log().Info("dashboard bridge listening", "addr", ln.Addr().String())

	b.Go(func(taskCtx context.Context) {
		if err := b.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.Log().Error("dashboard server failed", "err", err)
			b.EmitStatus(events.StatusError, events.KindLifecycle, "dashboard server failed")
		}
	})
	return nil
}

// Stop closes the server and every client before the base teardown.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		b.server.Shutdown(shutdownCtx)
		cancel()
	}
	b.mu.Lock()
	for c := range b.clients {
		c.close()
	}
	b.mu.Unlock()
	return b.Base.Stop(ctx)
}

// Addr returns the bound listen address, or "" before Start. With a
// ":0" configuration this is how callers learn the chosen port.
func (b *Bridge) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bound == nil {
		return ""
	}
	return b.bound.String()
}

// ClientCount reports the number of connected dashboards.
func (b *Bridge) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// onExported broadcasts one bus event to every connected client.
func (b *Bridge) onExported(ctx context.Context, env events.Envelope) error {
	raw, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("bridge: encode %s: %w", env.Topic, err)
	}
	f := frame{
		Topic:     env.Topic,
		Timestamp: env.Timestamp,
		EventID:   env.EventID,
		Payload:   raw,
	}

	b.mu.Lock()
	for c := range b.clients {
		select {
		case c.send <- f:
		default:
			// Slow client: drop this frame for it.
		}
	}
	b.mu.Unlock()
	return nil
}

func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.Log().Warn("websocket accept failed", "err", err)
		return
	}

	c := &client{
		conn:      conn,
		sessionID: uuid.NewString(),
		send:      make(chan frame, clientQueueSize),
		done:      make(chan struct{}),
	}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	b.Log().Info("dashboard connected", "sid", c.sessionID)

	defer func() {
		b.mu.Lock()
		delete(b.clients, c)
		b.mu.Unlock()
		c.close()
		conn.Close(websocket.StatusNormalClosure, "")
		b.Log().Info("dashboard disconnected", "sid", c.sessionID)
	}()

	ctx := r.Context()
	go b.writeLoop(ctx, c)
	b.readLoop(ctx, c)
}

func (b *Bridge) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case f := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, c.conn, f)
			cancel()
			if err != nil {
				c.close()
				return
			}
		}
	}
}

// readLoop accepts command frames. Clients only get to publish raw input;
// the registry's field aliases keep older dashboard builds working.
func (b *Bridge) readLoop(ctx context.Context, c *client) {
	for {
		var f frame
		if err := wsjson.Read(ctx, c.conn, &f); err != nil {
			return
		}

		topic, ok := b.Bus().Registry().Canonical(f.Topic)
		if !ok || topic != events.TopicRawInput {
			b.reject(ctx, c, fmt.Sprintf("topic %s is not accepted from clients", f.Topic))
			continue
		}

		payload, err := b.Bus().Registry().DecodeJSON(topic, f.Payload)
		if err != nil {
			b.reject(ctx, c, err.Error())
			continue
		}
		input, ok := payload.(*events.RawInputPayload)
		if !ok {
			continue
		}
		// The bridge owns provenance; whatever the client claimed is
		// overwritten.
		input.Source = "dashboard"
		input.SessionID = c.sessionID
		if err := b.Emit(topic, input); err != nil {
			b.reject(ctx, c, err.Error())
		}
	}
}

func (b *Bridge) reject(ctx context.Context, c *client, msg string) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	wsjson.Write(writeCtx, c.conn, errorFrame{Error: msg})
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
