package runtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/openfroyo/livegraph/pkg/engine"
)

// Built-in block paths.
const (
	SourcePath = "/blocks/source"
	GainPath   = "/blocks/gain"
	SinkPath   = "/blocks/sink"
	LabelPath  = "/widgets/label"
)

// Ported is implemented by objects that expose ports to a topology.
type Ported interface {
	InputPorts() []engine.PortDesc
	OutputPorts() []engine.PortDesc
}

// method handles one named call of a block.
type method func(args []json.RawMessage) (any, error)

// Block is the common implementation of built-in blocks: ports, a method table,
// thread pool assignment and per-method call counters.
type Block struct {
	path    string
	inputs  []engine.PortDesc
	outputs []engine.PortDesc
	methods map[string]method
	overlay func() any

	mu         sync.Mutex
	threadPool *engine.ObjectRef
	calls      map[string]int
	state      map[string]json.RawMessage
}

func newBlock(path string) *Block {
	return &Block{
		path:    path,
		methods: make(map[string]method),
		calls:   make(map[string]int),
		state:   make(map[string]json.RawMessage),
	}
}

// setter registers a method that stores its single argument under key.
func (b *Block) setter(name, key string) {
	b.methods[name] = func(args []json.RawMessage) (any, error) {
		var v json.RawMessage
		if err := DecodeArg(args, 0, &v); err != nil {
			return nil, err
		}
		b.state[key] = v
		return nil, nil
	}
}

// InputPorts implements Ported.
func (b *Block) InputPorts() []engine.PortDesc { return b.inputs }

// OutputPorts implements Ported.
func (b *Block) OutputPorts() []engine.PortDesc { return b.outputs }

// Call dispatches the common methods, then the block's own.
func (b *Block) Call(_ context.Context, name string, args []json.RawMessage) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "inputPorts":
		return nonNil(b.inputs), nil
	case "outputPorts":
		return nonNil(b.outputs), nil
	case "overlay":
		if b.overlay == nil {
			return nil, methodNotFound(name)
		}
		return b.overlay(), nil
	case "setThreadPool":
		var ref *engine.ObjectRef
		if err := DecodeArg(args, 0, &ref); err != nil {
			return nil, err
		}
		b.threadPool = ref
		b.calls[name]++
		return nil, nil
	case "getThreadPool":
		return b.threadPool, nil
	case "stats":
		return b.stats(), nil
	}

	m, ok := b.methods[name]
	if !ok {
		return nil, methodNotFound(name)
	}
	out, err := m(args)
	if err != nil {
		return nil, err
	}
	b.calls[name]++
	return out, nil
}

// stats returns the path, per-method call counts and the last value of every
// setter. The caller holds b.mu.
func (b *Block) stats() map[string]any {
	calls := make(map[string]int, len(b.calls))
	for k, v := range b.calls {
		calls[k] = v
	}
	keys := make([]string, 0, len(b.state))
	for k := range b.state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	state := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		state[k] = b.state[k]
	}
	return map[string]any{
		"path":  b.path,
		"calls": calls,
		"state": state,
	}
}

func nonNil(p []engine.PortDesc) []engine.PortDesc {
	if p == nil {
		return []engine.PortDesc{}
	}
	return p
}

// dtypeArg reads an optional leading data type argument.
func dtypeArg(args []json.RawMessage) (string, error) {
	dtype := "float32"
	if len(args) > 0 {
		if err := DecodeArg(args, 0, &dtype); err != nil {
			return "", err
		}
	}
	return dtype, nil
}

// RegisterBlocks adds the built-in blocks to r.
func RegisterBlocks(r *Registry) {
	r.Register(SourcePath, func(_ context.Context, _ *Local, args []json.RawMessage) (Object, error) {
		dtype, err := dtypeArg(args)
		if err != nil {
			return nil, err
		}
		b := newBlock(SourcePath)
		b.outputs = []engine.PortDesc{{Name: "0", DType: dtype}}
		b.setter("setRate", "rate")
		b.setter("setWaveform", "waveform")
		b.overlay = func() any {
			return map[string]any{
				"params": map[string]any{
					"waveform": map[string]any{
						"widgetType": "ComboBox",
						"options":    []string{"SINE", "SQUARE", "RAMP"},
					},
				},
			}
		}
		return b, nil
	})

	r.Register(GainPath, func(_ context.Context, _ *Local, args []json.RawMessage) (Object, error) {
		dtype, err := dtypeArg(args)
		if err != nil {
			return nil, err
		}
		b := newBlock(GainPath)
		b.inputs = []engine.PortDesc{{Name: "0", DType: dtype}}
		b.outputs = []engine.PortDesc{{Name: "0", DType: dtype}}
		b.setter("setGain", "gain")
		b.overlay = func() any {
			return map[string]any{"params": map[string]any{"gain": map[string]any{"widgetType": "DoubleSpinBox"}}}
		}
		return b, nil
	})

	r.Register(SinkPath, func(_ context.Context, _ *Local, args []json.RawMessage) (Object, error) {
		dtype, err := dtypeArg(args)
		if err != nil {
			return nil, err
		}
		b := newBlock(SinkPath)
		b.inputs = []engine.PortDesc{{Name: "0", DType: dtype}}
		b.setter("setLabel", "label")
		return b, nil
	})

	r.Register(LabelPath, func(context.Context, *Local, []json.RawMessage) (Object, error) {
		b := newBlock(LabelPath)
		b.setter("setText", "text")
		return b, nil
	})
}
