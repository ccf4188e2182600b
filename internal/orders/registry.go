package orders

import (
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
)

var ErrNoDispatcher = eris.New("orders: no dispatcher for retailer")

// Binding ties a retailer to the hub whose dispatcher serves it.
type Binding struct {
	Hub       string
	ShortCode string
}

// Registry maps hub names to dispatchers and retailers to hubs. Every
// retailer of one hub shares that hub's dispatcher instance.
type Registry struct {
	mu        sync.RWMutex
	hubs      map[string]Dispatcher
	retailers map[string]Binding
}

func NewRegistry() *Registry {
	return &Registry{hubs: map[string]Dispatcher{}, retailers: map[string]Binding{}}
}

func (r *Registry) RegisterHub(name string, d Dispatcher) error {
	name = strings.TrimSpace(name)
	if name == "" || d == nil {
		return eris.New("orders: hub needs a name and a dispatcher")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.hubs[name]; dup {
		return eris.Errorf("orders: hub %q already registered", name)
	}
	r.hubs[name] = d
	return nil
}

// BindRetailer routes retailer to hub. An empty short code falls back to DefaultShortCode.
func (r *Registry) BindRetailer(retailer, hub, short string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hubs[hub]; !ok {
		return eris.Errorf("orders: retailer %s bound to unknown hub %q", retailer, hub)
	}
	if short == "" {
		short = DefaultShortCode(retailer)
	}
	r.retailers[retailer] = Binding{Hub: hub, ShortCode: short}
	return nil
}

func (r *Registry) For(retailer string) (Dispatcher, Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.retailers[retailer]
	if !ok {
		return nil, Binding{}, eris.Wrapf(ErrNoDispatcher, "retailer %s", retailer)
	}
	return r.hubs[b.Hub], b, nil
}

// ShortCode returns the bound short code, or the derived one for unbound retailers.
func (r *Registry) ShortCode(retailer string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.retailers[retailer]; ok {
		return b.ShortCode
	}
	return DefaultShortCode(retailer)
}

func (r *Registry) Hubs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.hubs))
	for k := range r.hubs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
