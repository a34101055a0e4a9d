package fanout

import (
	"context"
	"slices"

	"github.com/heymex/MeshyMcMapface/pkg/delivery"
	"github.com/heymex/MeshyMcMapface/pkg/topology"
)

// Capability tags what a handler wants to see.
type Capability string

const (
	// CapEvents receives every submitted event.
	CapEvents Capability = "events"
	// CapNodes receives events that identify a sending node.
	CapNodes Capability = "nodes"
	// CapRoutes receives resolved routes.
	CapRoutes Capability = "routes"
)

// Item is what a handler is given. Exactly one of Event and Route is set.
type Item struct {
	AgentID string
	Event   *delivery.Event
	Route   *topology.ResolvedRoute
}

// Handler is a local consumer of submitted items. Handle runs on the
// submitting goroutine and must not block.
type Handler interface {
	Name() string
	Capabilities() []Capability
	Handle(ctx context.Context, item Item)
}

type funcHandler struct {
	name string
	caps []Capability
	fn   func(context.Context, Item)
}

// NewHandler adapts fn into a Handler.
func NewHandler(name string, fn func(context.Context, Item), caps ...Capability) Handler {
	return &funcHandler{name: name, caps: caps, fn: fn}
}

func (h *funcHandler) Name() string                          { return h.name }
func (h *funcHandler) Capabilities() []Capability            { return h.caps }
func (h *funcHandler) Handle(ctx context.Context, item Item) { h.fn(ctx, item) }

// handlerSet indexes handlers by capability once at construction.
type handlerSet map[Capability][]Handler

func newHandlerSet(hs []Handler) handlerSet {
	set := make(handlerSet)
	for _, h := range hs {
		for _, c := range h.Capabilities() {
			if !slices.Contains(set[c], h) {
				set[c] = append(set[c], h)
			}
		}
	}
	return set
}

func (s handlerSet) dispatch(ctx context.Context, c Capability, item Item) {
	for _, h := range s[c] {
		h.Handle(ctx, item)
	}
}
