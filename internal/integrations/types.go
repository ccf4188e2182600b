// internal/integrations/types.go
package integrations

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/bartek5186/mallsync/internal/orders"
	"github.com/bartek5186/mallsync/internal/staging"
)

// SourceSpec is one configured supplier feed. Options is the adapter's own
// section, handed to the factory of Kind as raw JSON.
type SourceSpec struct {
	Code    string         `mapstructure:"code" json:"code"`
	Name    string         `mapstructure:"name" json:"name"`
	Kind    string         `mapstructure:"kind" json:"kind"`
	Enabled bool           `mapstructure:"enabled" json:"enabled"`
	Options map[string]any `mapstructure:"options" json:"options"`
}

// HubSpec is one order API. Retailers lists the supplier codes it serves,
// optionally with a short code: "IT-B-02" or "IT-B-02=BINI".
type HubSpec struct {
	Name      string         `mapstructure:"name" json:"name"`
	Kind      string         `mapstructure:"kind" json:"kind"`
	Retailers []string       `mapstructure:"retailers" json:"retailers"`
	Options   map[string]any `mapstructure:"options" json:"options"`
}

type SourceFactory func(log zerolog.Logger, code string, raw json.RawMessage) (staging.Source, error)

type HubFactory func(log zerolog.Logger, name string, raw json.RawMessage) (orders.Dispatcher, error)
