package delivery

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"time"
)

var (
	// ErrEmptyDestinationName is returned when a destination has no name
	ErrEmptyDestinationName = errors.New("destination name cannot be empty")
	// ErrEmptyDestinationURL is returned when a destination has no URL
	ErrEmptyDestinationURL = errors.New("destination URL cannot be empty")
)

// Destination is one collector the agent reports to.
// Lower Priority values are preferred.
type Destination struct {
	Name          string        `yaml:"name" json:"name"`
	URL           string        `yaml:"url" json:"url"`
	Credential    string        `yaml:"credential" json:"credential"`
	Priority      int           `yaml:"priority" json:"priority"`
	Enabled       *bool         `yaml:"enabled" json:"enabled"`
	SendInterval  time.Duration `yaml:"send_interval" json:"send_interval"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries    int           `yaml:"max_retries" json:"max_retries"`
	BatchSize     int           `yaml:"batch_size" json:"batch_size"`
	MaxQueueDepth int           `yaml:"max_queue_depth" json:"max_queue_depth"`
	Compression   string        `yaml:"compression" json:"compression"`
	Filter        Filter        `yaml:"filter" json:"filter"`
}

// IsEnabled reports whether the destination takes part in delivery.
// A nil Enabled means enabled.
func (d Destination) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// SetDefaults applies the agent defaults to unset fields.
func (d *Destination) SetDefaults() {
	if d.Priority <= 0 {
		d.Priority = 1
	}
	if d.SendInterval <= 0 {
		d.SendInterval = 30 * time.Second
	}
	if d.Timeout <= 0 {
		d.Timeout = 10 * time.Second
	}
	if d.MaxRetries <= 0 {
		d.MaxRetries = 3
	}
	if d.BatchSize <= 0 {
		d.BatchSize = 100
	}
}

// Validate checks the destination is usable.
func (d Destination) Validate() error {
	if d.Name == "" {
		return ErrEmptyDestinationName
	}
	if d.URL == "" {
		return fmt.Errorf("destination %s: %w", d.Name, ErrEmptyDestinationURL)
	}
	u, err := url.Parse(d.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("destination %s: invalid URL %q", d.Name, d.URL)
	}
	if d.Compression != "" && d.Compression != "zstd" {
		return fmt.Errorf("destination %s: unsupported compression %q", d.Name, d.Compression)
	}
	return nil
}

// SortByPriority orders destinations by priority, then name, in place.
func SortByPriority(ds []Destination) {
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].Priority != ds[j].Priority {
			return ds[i].Priority < ds[j].Priority
		}
		return ds[i].Name < ds[j].Name
	})
}

// DeadLetterTarget returns the enabled destination with the next strictly
// lower priority (higher Priority value) than from, if any.
func DeadLetterTarget(ds []Destination, from string) (Destination, bool) {
	var src *Destination
	for i := range ds {
		if ds[i].Name == from {
			src = &ds[i]
			break
		}
	}
	if src == nil {
		return Destination{}, false
	}

	var best *Destination
	for i := range ds {
		d := &ds[i]
		if !d.IsEnabled() || d.Priority <= src.Priority {
			continue
		}
		if best == nil || d.Priority < best.Priority || (d.Priority == best.Priority && d.Name < best.Name) {
			best = d
		}
	}
	if best == nil {
		return Destination{}, false
	}
	return *best, true
}

// Filter selects which events a destination accepts.
type Filter struct {
	// EventTypes lists accepted types; empty or "all" accepts everything.
	EventTypes []EventType `yaml:"event_types" json:"event_types"`
	AllowNodes []string    `yaml:"allow_nodes" json:"allow_nodes"`
	DenyNodes  []string    `yaml:"deny_nodes" json:"deny_nodes"`
}

func (f Filter) acceptsType(t EventType) bool {
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, et := range f.EventTypes {
		if et == "all" || et == t {
			return true
		}
	}
	return false
}

func (f Filter) acceptsNode(node string) bool {
	if len(f.AllowNodes) > 0 && !slices.Contains(f.AllowNodes, node) {
		return false
	}
	return !slices.Contains(f.DenyNodes, node)
}

// AcceptEvent reports whether e passes the filter.
func (f Filter) AcceptEvent(e Event) bool {
	return f.acceptsType(e.Type) && f.acceptsNode(e.FromNode)
}

// AcceptRoute reports whether a resolved route to target passes the filter.
func (f Filter) AcceptRoute(target string) bool {
	return f.acceptsType(EventRoute) && f.acceptsNode(target)
}

// Apply removes every item the filter rejects and reports whether the
// envelope still carries anything.
func (f Filter) Apply(env *Envelope) bool {
	switch env.Kind {
	case KindRoutes:
		kept := env.Routes[:0]
		for _, r := range env.Routes {
			if f.AcceptRoute(r.TargetNodeID) {
				kept = append(kept, r)
			}
		}
		env.Routes = kept
		return len(kept) > 0
	default:
		kept := env.Events[:0]
		for _, e := range env.Events {
			if f.AcceptEvent(e) {
				kept = append(kept, e)
			}
		}
		env.Events = kept
		return len(kept) > 0
	}
}
