package meshclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heymex/MeshyMcMapface/pkg/api"
)

// WatchConfig configures the notification stream
type WatchConfig struct {
	// BufferSize for the notification channel
	BufferSize int

	// ReconnectDelay between connection attempts
	ReconnectDelay time.Duration

	// MaxReconnectAttempts (0 = infinite)
	MaxReconnectAttempts int
}

// SetDefaults sets reasonable default values for WatchConfig
func (wc *WatchConfig) SetDefaults() {
	if wc.BufferSize == 0 {
		wc.BufferSize = 100
	}
	if wc.ReconnectDelay == 0 {
		wc.ReconnectDelay = 2 * time.Second
	}
}

// Watcher receives collector notifications over a websocket
type Watcher struct {
	client        *Client
	notifications chan api.Notification
	errors        chan error
	done          chan struct{}
	cancel        context.CancelFunc
}

// Watch opens the live notification stream. The connection is re-dialled
// after errors until ctx is cancelled or Close is called.
func (c *Client) Watch(ctx context.Context, config WatchConfig) (*Watcher, error) {
	if c.config.Token == "" {
		return nil, fmt.Errorf("client has no token")
	}
	config.SetDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		client:        c,
		notifications: make(chan api.Notification, config.BufferSize),
		errors:        make(chan error, 10),
		done:          make(chan struct{}),
		cancel:        cancel,
	}
	go w.run(watchCtx, config)
	return w, nil
}

// Notifications returns the channel of received notifications
func (w *Watcher) Notifications() <-chan api.Notification {
	return w.notifications
}

// Errors returns the channel of connection errors
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Done is closed when the watcher has stopped
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Close stops the watcher and waits for it to finish
func (w *Watcher) Close() error {
	w.cancel()
	<-w.done
	return nil
}

func (w *Watcher) run(ctx context.Context, config WatchConfig) {
	defer close(w.done)
	defer close(w.notifications)
	defer close(w.errors)

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		if err := w.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			select {
			case w.errors <- fmt.Errorf("stream error: %w", err):
			default:
			}
		}

		if config.MaxReconnectAttempts > 0 && attempts >= config.MaxReconnectAttempts {
			select {
			case w.errors <- fmt.Errorf("max reconnect attempts (%d) exceeded", config.MaxReconnectAttempts):
			default:
			}
			return
		}
		attempts++

		select {
		case <-time.After(config.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) connectAndRead(ctx context.Context) error {
	streamURL := w.client.baseURL.ResolveReference(&url.URL{Path: api.PathStream})
	switch streamURL.Scheme {
	case "https":
		streamURL.Scheme = "wss"
	default:
		streamURL.Scheme = "ws"
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+w.client.config.Token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, streamURL.String(), header)
	if err != nil {
		if resp != nil {
			return &APIError{StatusCode: resp.StatusCode, Message: "stream upgrade refused"}
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the context ends
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var n api.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			select {
			case w.errors <- fmt.Errorf("%w: %v", ErrMalformedResponse, err):
			default:
			}
			continue
		}
		select {
		case w.notifications <- n:
		case <-ctx.Done():
			return nil
		}
	}
}
