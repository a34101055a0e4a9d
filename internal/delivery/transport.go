package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/heymex/MeshyMcMapface/pkg/api"
	"github.com/heymex/MeshyMcMapface/pkg/delivery"
	"github.com/heymex/MeshyMcMapface/pkg/meshclient"
)

// Registration describes the agent to each collector.
type Registration struct {
	AgentID      string
	LocationName string
	Latitude     float64
	Longitude    float64
	LocalNodeID  string
}

// HTTPTransport delivers envelopes to one collector over its HTTP API.
type HTTPTransport struct {
	client *meshclient.Client
	reg    Registration
}

var _ delivery.Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a transport for dest. Per-attempt timeouts come
// from the caller's context, so the HTTP client itself has none.
func NewHTTPTransport(dest delivery.Destination, reg Registration) (*HTTPTransport, error) {
	client, err := meshclient.NewClient(meshclient.Config{
		ServerURL:   dest.URL,
		Token:       dest.Credential,
		Compression: dest.Compression,
		HTTPClient:  &http.Client{},
	})
	if err != nil {
		return nil, fmt.Errorf("destination %s: %w", dest.Name, err)
	}
	return &HTTPTransport{client: client, reg: reg}, nil
}

// Deliver posts the envelope as an event or route batch. The envelope key
// is sent as the idempotency key.
func (t *HTTPTransport) Deliver(ctx context.Context, env *delivery.Envelope) delivery.Result {
	var err error
	switch env.Kind {
	case delivery.KindRoutes:
		_, err = t.client.SubmitRoutes(ctx, api.RouteBatch{
			AgentID:   env.AgentID,
			Timestamp: env.CreatedAt,
			Routes:    env.Routes,
		}, env.Key)
	default:
		_, err = t.client.SubmitEvents(ctx, api.EventBatch{
			AgentID:   env.AgentID,
			Timestamp: env.CreatedAt,
			Events:    env.Events,
		}, env.Key)
	}
	return Classify(ctx, err)
}

// Register announces the agent.
func (t *HTTPTransport) Register(ctx context.Context) delivery.Result {
	_, err := t.client.Register(ctx, api.RegisterRequest{
		AgentID:      t.reg.AgentID,
		LocationName: t.reg.LocationName,
		Coordinates:  [2]float64{t.reg.Latitude, t.reg.Longitude},
		LocalNodeID:  t.reg.LocalNodeID,
	})
	return Classify(ctx, err)
}

// CheckHealth probes the collector's health endpoint.
func (t *HTTPTransport) CheckHealth(ctx context.Context) delivery.Result {
	resp, err := t.client.GetHealth(ctx)
	if err != nil {
		return Classify(ctx, err)
	}
	if !resp.Healthy {
		return delivery.Failed(delivery.KindServer, fmt.Errorf("collector reports status %q", resp.Status))
	}
	return delivery.Succeeded()
}

// Classify maps a client error to a delivery result.
func Classify(ctx context.Context, err error) delivery.Result {
	if err == nil {
		return delivery.Succeeded()
	}

	var apiErr *meshclient.APIError
	if errors.As(err, &apiErr) {
		var res delivery.Result
		switch {
		case apiErr.IsUnauthorized():
			res = delivery.Failed(delivery.KindUnauthorized, err)
		case apiErr.StatusCode == http.StatusTooManyRequests:
			res = delivery.Failed(delivery.KindThrottled, err)
		case apiErr.StatusCode >= 500:
			res = delivery.Failed(delivery.KindServer, err)
		default:
			res = delivery.Failed(delivery.KindRejected, err)
		}
		res.RetryAfter = apiErr.RetryAfter
		return res
	}

	if errors.Is(err, meshclient.ErrMalformedResponse) {
		return delivery.Failed(delivery.KindMalformed, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return delivery.Failed(delivery.KindTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return delivery.Failed(delivery.KindTimeout, err)
	}
	return delivery.Failed(delivery.KindTransport, err)
}

// retryAt is when a failed envelope becomes eligible again.
func retryAt(now time.Time, res delivery.Result, delay time.Duration) time.Time {
	return now.Add(max(res.RetryAfter, delay))
}
