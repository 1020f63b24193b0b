package core

import "sync"

// ── Registry ──────────────────────────────────────────────────────────────────

// DefaultRegistry is a thread-safe implementation of Registry.
type DefaultRegistry struct {
	mu       sync.RWMutex
	decoders [familyCount][]Decoder
	writers  map[string]Writer
}

// NewRegistry returns an empty DefaultRegistry.
func NewRegistry() *DefaultRegistry {
	return &DefaultRegistry{
		writers: make(map[string]Writer),
	}
}

// RegisterDecoder appends d to family. Within a family decoders are tried in
// registration order; registering the same name again replaces it in place.
func (r *DefaultRegistry) RegisterDecoder(f Family, d Decoder) {
	if f < 0 || f >= familyCount {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.decoders[f] {
		if existing.Name() == d.Name() {
			r.decoders[f][i] = d
			return
		}
	}
	r.decoders[f] = append(r.decoders[f], d)
}

func (r *DefaultRegistry) Decoders(f Family) []Decoder {
	if f < 0 || f >= familyCount {
		return nil
	}
	r.mu.RLock()
	out := make([]Decoder, len(r.decoders[f]))
	copy(out, r.decoders[f])
	r.mu.RUnlock()
	return out
}

func (r *DefaultRegistry) Chain() []Decoder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Decoder
	for _, f := range Families() {
		out = append(out, r.decoders[f]...)
	}
	return out
}

func (r *DefaultRegistry) RegisterWriter(name string, w Writer) {
	r.mu.Lock()
	r.writers[name] = w
	r.mu.Unlock()
}

func (r *DefaultRegistry) WriterFor(name string) (Writer, bool) {
	r.mu.RLock()
	w, ok := r.writers[name]
	r.mu.RUnlock()
	return w, ok
}
