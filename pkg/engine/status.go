package engine

import (
	"encoding/json"
	"sort"
)

// BlockStatus is the per-block record pushed back to the editor after a cycle.
type BlockStatus struct {
	// UID identifies the block.
	UID string `json:"uid"`

	// DisplayID is the identifier the block was last evaluated with.
	DisplayID string `json:"displayId"`

	// Ready is true when the block has a live, error-free instance.
	Ready bool `json:"ready"`

	// BlockErrors are block-level error strings after masking.
	BlockErrors []string `json:"blockErrors,omitempty"`

	// PropertyErrors maps property keys to error strings after masking.
	PropertyErrors map[string]string `json:"propertyErrors,omitempty"`

	// PropertyTypes maps property keys to the type name their expression produced.
	PropertyTypes map[string]string `json:"propertyTypes,omitempty"`

	// Inputs and Outputs are the cached port descriptors.
	Inputs  []PortDesc `json:"inputs,omitempty"`
	Outputs []PortDesc `json:"outputs,omitempty"`

	// Overlay is the supplementary description reported by the instance, if any.
	Overlay json.RawMessage `json:"overlay,omitempty"`

	// Widget is the live widget handle of GUI-hosted blocks.
	Widget *ObjectRef `json:"widget,omitempty"`
}

// ZoneStatus reports the health of the environment and thread pool behind a zone.
type ZoneStatus struct {
	Zone        string `json:"zone"`
	Environment string `json:"environment"`
	Healthy     bool   `json:"healthy"`
	Error       string `json:"error,omitempty"`
}

// errorLayers collects the error sources that apply to one block in one cycle.
type errorLayers struct {
	environment string
	topology    string
	block       []string
	property    map[string]string
}

// resolve applies the fixed masking order environment > topology > block > property:
// the lowest non-empty layer is the only one reported.
func (l errorLayers) resolve() ([]string, map[string]string) {
	switch {
	case l.environment != "":
		return []string{l.environment}, nil
	case l.topology != "":
		return []string{l.topology}, nil
	case len(l.block) > 0:
		return append([]string(nil), l.block...), nil
	case len(l.property) > 0:
		props := make(map[string]string, len(l.property))
		for k, v := range l.property {
			props[k] = v
		}
		return nil, props
	default:
		return nil, nil
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
