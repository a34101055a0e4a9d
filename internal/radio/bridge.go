// Package radio bridges the agent to the radio gateway.
//
// The gateway owns the serial or network link to the mesh device and
// speaks JSON frames over a websocket: decoded packets arrive as "event"
// frames, traceroute replies as "traceroute_response" frames, and the agent
// sends "traceroute_request" frames to probe routes.
package radio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heymex/MeshyMcMapface/internal/logging"
	"github.com/heymex/MeshyMcMapface/pkg/delivery"
	"github.com/heymex/MeshyMcMapface/pkg/discovery"
)

// Frame types
const (
	FrameEvent              = "event"
	FrameTracerouteResponse = "traceroute_response"
	FrameTracerouteRequest  = "traceroute_request"
)

const (
	maxFrameSize = 64 << 10
	writeWait    = 10 * time.Second
)

// Frame is one gateway message.
type Frame struct {
	Type     string              `json:"type"`
	Event    *delivery.Event     `json:"event,omitempty"`
	Response *discovery.Response `json:"response,omitempty"`
	Request  *discovery.Request  `json:"request,omitempty"`
}

// Config configures a Bridge.
type Config struct {
	URL            string        `yaml:"url" json:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
}

// SetDefaults sets default values for unset fields
func (c *Config) SetDefaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
}

// Handlers receive inbound frames. Either may be nil.
type Handlers struct {
	OnEvent    func(delivery.Event)
	OnResponse func(discovery.Response) bool
}

// Bridge is the gateway connection. It implements discovery.Prober.
type Bridge struct {
	cfg      Config
	handlers Handlers
	logger   *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	// writeMu serialises writers; gorilla connections allow one at a time.
	writeMu sync.Mutex
}

var _ discovery.Prober = (*Bridge)(nil)

// NewBridge creates a bridge to the gateway at cfg.URL.
func NewBridge(cfg Config, handlers Handlers, logger *slog.Logger) (*Bridge, error) {
	if cfg.URL == "" {
		return nil, errors.New("radio gateway URL is required")
	}
	cfg.SetDefaults()
	return &Bridge{
		cfg:      cfg,
		handlers: handlers,
		logger:   logging.OrDiscard(logger).With("component", "radio", "url", cfg.URL),
	}, nil
}

// Connected reports whether a gateway connection is up.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Run keeps a gateway connection up until ctx is cancelled, waiting
// ReconnectDelay between attempts.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		err := b.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		b.logger.Warn("radio gateway connection lost", "error", err, "retry_in", b.cfg.ReconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.cfg.ReconnectDelay):
		}
	}
}

func (b *Bridge) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	b.logger.Info("connected to radio gateway")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		b.mu.Lock()
		b.conn = nil
		b.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		b.dispatch(data)
	}
}

func (b *Bridge) dispatch(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		b.logger.Warn("undecodable gateway frame", "error", err)
		return
	}
	switch f.Type {
	case FrameEvent:
		if f.Event == nil || b.handlers.OnEvent == nil {
			return
		}
		b.handlers.OnEvent(*f.Event)
	case FrameTracerouteResponse:
		if f.Response == nil || b.handlers.OnResponse == nil {
			return
		}
		b.handlers.OnResponse(*f.Response)
	default:
		b.logger.Debug("ignoring gateway frame", "type", f.Type)
	}
}

// SendTraceroute asks the gateway to probe req.Target.
func (b *Bridge) SendTraceroute(ctx context.Context, req discovery.Request) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return discovery.ErrProberUnavailable
	}

	data, err := json.Marshal(Frame{Type: FrameTracerouteRequest, Request: &req})
	if err != nil {
		return fmt.Errorf("encode traceroute request: %w", err)
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", discovery.ErrProberUnavailable, err)
	}
	return nil
}
