package gateway

import (
	"context"
	"sort"
	"strings"

	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/logger"
)

type entry struct {
	gateway Gateway
	caps    Capabilities
	source  string
}

// Registry maps gateway identifiers to adapter instances. It is populated once
// during bootstrap and only read afterwards.
type Registry struct {
	logg    *logger.Logger
	entries map[string]entry
	order   []string
}

// NewRegistry builds an empty registry.
func NewRegistry(logg *logger.Logger) *Registry {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Registry{logg: logg, entries: map[string]entry{}}
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Register adds g under id. The first registration for an identifier wins;
// later attempts are logged and skipped.
func (r *Registry) Register(ctx context.Context, id string, g Gateway) bool {
	return r.register(ctx, id, g, "adapter")
}

// RegisterFrom is Register with the registering source recorded for logs.
func (r *Registry) RegisterFrom(ctx context.Context, source, id string, g Gateway) bool {
	return r.register(ctx, id, g, source)
}

// RegisterPromo registers an upsell placeholder only when no adapter owns id.
func (r *Registry) RegisterPromo(ctx context.Context, id string, g Gateway) bool {
	if r.Has(id) {
		return false
	}
	return r.register(ctx, id, g, "promo")
}

func (r *Registry) register(ctx context.Context, id string, g Gateway, source string) bool {
	key := normalizeID(id)
	if key == "" || g == nil {
		return false
	}
	logCtx := r.logg.WithFields(ctx, map[string]any{"gateway": key, "source": source})
	if existing, ok := r.entries[key]; ok {
		r.logg.Warn(r.logg.WithField(logCtx, "registered_by", existing.source), "gateway already registered; skipping")
		return false
	}
	r.entries[key] = entry{gateway: g, caps: capabilitiesOf(g), source: source}
	r.order = append(r.order, key)
	r.logg.Debug(logCtx, "gateway registered")
	return true
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.entries[normalizeID(id)]
	return ok
}

// Get returns the adapter for id.
func (r *Registry) Get(id string) (Gateway, bool) {
	e, ok := r.entries[normalizeID(id)]
	if !ok {
		return nil, false
	}
	return e.gateway, true
}

// Require returns the adapter or a typed not-found error.
func (r *Registry) Require(id string) (Gateway, error) {
	g, ok := r.Get(id)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment gateway not found").
			WithDetails(map[string]any{"gateway": id})
	}
	return g, nil
}

// Capabilities returns the optional interfaces resolved at registration.
func (r *Registry) Capabilities(id string) Capabilities {
	return r.entries[normalizeID(id)].caps
}

// Identifiers returns registered ids in registration order.
func (r *Registry) Identifiers() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// List returns metadata for every adapter, sorted by identifier.
func (r *Registry) List() []Meta {
	metas := make([]Meta, 0, len(r.entries))
	for _, id := range r.order {
		meta := r.entries[id].gateway.Meta()
		meta.Identifier = id
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Identifier < metas[j].Identifier })
	return metas
}
