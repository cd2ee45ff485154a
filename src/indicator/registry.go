package indicator

import (
	"fmt"
	"sort"
)

// -----------------------------------------------------------------------------
// Indicator Catalog
// -----------------------------------------------------------------------------

// Descriptor is the catalog entry served to clients alongside the dataset
// listing.
type Descriptor struct {
	Name    string   `json:"name"`
	Label   string   `json:"label"`
	Columns []string `json:"columns"`
	Inputs  []Input  `json:"inputs"`
	Outputs []Output `json:"outputs"`
}

// Registry holds the available indicators by name. Populated once at
// startup; safe for concurrent reads afterwards.
type Registry struct {
	byName map[string]Indicator
}

// -----------------------------------------------------------------------------

// NewRegistry returns a registry with every built-in indicator installed.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Indicator)}
	for _, ind := range []Indicator{SMA{}, EMA{}, RSI{}, MACD{}, ATR{}, Bollinger{}} {
		r.byName[ind.Name()] = ind
	}
	return r
}

// -----------------------------------------------------------------------------

func (r *Registry) Lookup(name string) (Indicator, error) {
	ind, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown indicator: %s", name)
	}
	return ind, nil
}

// -----------------------------------------------------------------------------

// Descriptors lists the catalog sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.byName))
	for _, ind := range r.byName {
		out = append(out, Descriptor{
			Name:    ind.Name(),
			Label:   ind.Label(),
			Columns: ind.Columns(),
			Inputs:  ind.Inputs(),
			Outputs: ind.Outputs(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
