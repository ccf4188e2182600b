// internal/integrations/registry.go
package integrations

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/bartek5186/mallsync/internal/orders"
	"github.com/bartek5186/mallsync/internal/staging"
)

var (
	regMu   sync.RWMutex
	sources = map[string]SourceFactory{}
	hubs    = map[string]HubFactory{}
)

func RegisterSource(kind string, f SourceFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	sources[kind] = f
}

func RegisterHub(kind string, f HubFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	hubs[kind] = f
}

func Source(kind string) (SourceFactory, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := sources[kind]
	return f, ok
}

func Hub(kind string) (HubFactory, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := hubs[kind]
	return f, ok
}

// Kinds lists registered source and hub kinds, sorted.
func Kinds() (sourceKinds, hubKinds []string) {
	regMu.RLock()
	defer regMu.RUnlock()
	for k := range sources {
		sourceKinds = append(sourceKinds, k)
	}
	for k := range hubs {
		hubKinds = append(hubKinds, k)
	}
	sort.Strings(sourceKinds)
	sort.Strings(hubKinds)
	return sourceKinds, hubKinds
}

// BuildSources instantiates every enabled spec. Unknown kinds and broken
// options are skipped with an error log so one bad section does not stop
// the other suppliers.
func BuildSources(log zerolog.Logger, specs []SourceSpec) []staging.Source {
	var out []staging.Source
	for _, s := range specs {
		if !s.Enabled {
			continue
		}
		l := log.With().Str("supplier", s.Code).Str("kind", s.Kind).Logger()
		src, err := BuildSource(l, s)
		if err != nil {
			l.Error().Err(err).Msg("source skipped")
			continue
		}
		out = append(out, src)
	}
	return out
}

func BuildSource(log zerolog.Logger, s SourceSpec) (staging.Source, error) {
	if strings.TrimSpace(s.Code) == "" {
		return nil, eris.New("integrations: source without code")
	}
	f, ok := Source(s.Kind)
	if !ok {
		known, _ := Kinds()
		return nil, eris.Errorf("integrations: no source kind %q (known: %s)", s.Kind, strings.Join(known, ", "))
	}
	raw, err := rawOptions(s.Options)
	if err != nil {
		return nil, eris.Wrapf(err, "integrations: options of %s", s.Code)
	}
	return f(log, s.Code, raw)
}

// BuildRegistry creates one dispatcher per hub and binds its retailers.
func BuildRegistry(log zerolog.Logger, specs []HubSpec) (*orders.Registry, error) {
	reg := orders.NewRegistry()
	for _, h := range specs {
		f, ok := Hub(h.Kind)
		if !ok {
			_, known := Kinds()
			return nil, eris.Errorf("integrations: hub %s has unknown kind %q (known: %s)", h.Name, h.Kind, strings.Join(known, ", "))
		}
		raw, err := rawOptions(h.Options)
		if err != nil {
			return nil, eris.Wrapf(err, "integrations: options of hub %s", h.Name)
		}
		d, err := f(log.With().Str("hub", h.Name).Logger(), h.Name, raw)
		if err != nil {
			return nil, eris.Wrapf(err, "integrations: hub %s", h.Name)
		}
		if err := reg.RegisterHub(h.Name, d); err != nil {
			return nil, err
		}
		for _, r := range h.Retailers {
			code, short, _ := strings.Cut(r, "=")
			if err := reg.BindRetailer(strings.TrimSpace(code), h.Name, strings.TrimSpace(short)); err != nil {
				return nil, err
			}
		}
	}
	log.Debug().Strs("hubs", reg.Hubs()).Msg("order hubs ready")
	return reg, nil
}

func rawOptions(opts map[string]any) (json.RawMessage, error) {
	if opts == nil {
		return json.RawMessage("{}"), nil
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}
	return b, nil
}
