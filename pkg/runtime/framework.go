package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/livegraph/pkg/engine"
	"github.com/openfroyo/livegraph/pkg/expr"
)

// Framework factory paths.
const (
	EvaluatorPath  = "/framework/Evaluator"
	ThreadPoolPath = "/framework/ThreadPool"
	TopologyPath   = "/framework/Topology"
)

// RegisterFramework adds the framework objects to r.
func RegisterFramework(r *Registry) {
	r.Register(EvaluatorPath, newEvaluator)
	r.Register(ThreadPoolPath, newThreadPool)
	r.Register(TopologyPath, newTopology)
}

// evaluator wraps an expression evaluator.
type evaluator struct {
	mu sync.Mutex
	ev *expr.Evaluator
}

func newEvaluator(context.Context, *Local, []json.RawMessage) (Object, error) {
	return &evaluator{ev: expr.New()}, nil
}

func (e *evaluator) Call(_ context.Context, method string, args []json.RawMessage) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch method {
	case "setConstants":
		var constants map[string]string
		if err := DecodeArg(args, 0, &constants); err != nil {
			return nil, err
		}
		e.ev.SetConstants(constants)
		return nil, nil
	case "eval":
		var src string
		if err := DecodeArg(args, 0, &src); err != nil {
			return nil, err
		}
		return e.ev.Eval(src)
	default:
		return nil, methodNotFound(method)
	}
}

// PoolConfig is the thread pool constructor argument.
type PoolConfig struct {
	ThreadCount     int    `json:"threadCount"`
	YieldMode       string `json:"yieldMode"`
	PriorityPercent int    `json:"priorityPercent"`
}

// Validate checks the ranges a pool accepts.
func (c PoolConfig) Validate() error {
	if c.ThreadCount < 0 {
		return fmt.Errorf("threadCount must not be negative, got %d", c.ThreadCount)
	}
	if !engine.YieldMode(c.YieldMode).Valid() {
		return fmt.Errorf("unknown yieldMode %q", c.YieldMode)
	}
	if c.PriorityPercent < -100 || c.PriorityPercent > 100 {
		return fmt.Errorf("priorityPercent must be in [-100, 100], got %d", c.PriorityPercent)
	}
	return nil
}

type threadPool struct {
	config PoolConfig
}

func newThreadPool(_ context.Context, _ *Local, args []json.RawMessage) (Object, error) {
	var cfg PoolConfig
	if len(args) > 0 {
		if err := DecodeArg(args, 0, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &threadPool{config: cfg}, nil
}

func (p *threadPool) Call(_ context.Context, method string, _ []json.RawMessage) (any, error) {
	if method == "config" {
		return p.config, nil
	}
	return nil, methodNotFound(method)
}

// Flow is one connection inside a topology.
type Flow struct {
	Src     engine.ObjectRef `json:"src"`
	SrcPort string           `json:"srcPort"`
	Dst     engine.ObjectRef `json:"dst"`
	DstPort string           `json:"dstPort"`
}

func (f Flow) less(o Flow) bool {
	a := [...]string{f.Src.Env, f.Src.ID, f.SrcPort, f.Dst.Env, f.Dst.ID, f.DstPort}
	b := [...]string{o.Src.Env, o.Src.ID, o.SrcPort, o.Dst.Env, o.Dst.ID, o.DstPort}
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// TopologyDump is the dumpJSON result.
type TopologyDump struct {
	Blocks      []engine.ObjectRef `json:"blocks"`
	Connections []Flow             `json:"connections"`
}

// topology keeps pending connect/disconnect edits until commit makes them active.
type topology struct {
	env *Local

	mu      sync.Mutex
	pending map[Flow]bool
	active  map[Flow]bool
}

func newTopology(_ context.Context, env *Local, _ []json.RawMessage) (Object, error) {
	return &topology{
		env:     env,
		pending: make(map[Flow]bool),
		active:  make(map[Flow]bool),
	}, nil
}

func (t *topology) Call(_ context.Context, method string, args []json.RawMessage) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch method {
	case "connect", "disconnect":
		f, err := decodeFlow(args)
		if err != nil {
			return nil, err
		}
		if err := t.checkPort(f.Src, f.SrcPort, false); err != nil {
			return nil, err
		}
		if err := t.checkPort(f.Dst, f.DstPort, true); err != nil {
			return nil, err
		}
		if method == "connect" {
			if t.pending[f] {
				return nil, fmt.Errorf("connect: flow already exists: %s[%s] -> %s[%s]", f.Src, f.SrcPort, f.Dst, f.DstPort)
			}
			t.pending[f] = true
			return nil, nil
		}
		if !t.pending[f] {
			return nil, fmt.Errorf("disconnect: flow does not exist: %s[%s] -> %s[%s]", f.Src, f.SrcPort, f.Dst, f.DstPort)
		}
		delete(t.pending, f)
		return nil, nil
	case "commit":
		t.active = make(map[Flow]bool, len(t.pending))
		for f := range t.pending {
			t.active[f] = true
		}
		return nil, nil
	case "dumpJSON":
		return t.dump(), nil
	default:
		return nil, methodNotFound(method)
	}
}

func decodeFlow(args []json.RawMessage) (Flow, error) {
	var f Flow
	if err := DecodeArg(args, 0, &f.Src); err != nil {
		return f, err
	}
	if err := DecodeArg(args, 1, &f.SrcPort); err != nil {
		return f, err
	}
	if err := DecodeArg(args, 2, &f.Dst); err != nil {
		return f, err
	}
	if err := DecodeArg(args, 3, &f.DstPort); err != nil {
		return f, err
	}
	return f, nil
}

// checkPort validates endpoints living in the topology's own environment. Foreign
// endpoints are accepted as given.
func (t *topology) checkPort(ref engine.ObjectRef, port string, input bool) error {
	if ref.Env != t.env.Name() {
		return nil
	}
	obj, err := t.env.Lookup(ref)
	if err != nil {
		return err
	}
	p, ok := obj.(Ported)
	if !ok {
		return fmt.Errorf("%s has no ports", ref)
	}
	ports := p.OutputPorts()
	if input {
		ports = p.InputPorts()
	}
	for _, d := range ports {
		if d.Name == port {
			return nil
		}
	}
	return fmt.Errorf("%s has no port %q", ref, port)
}

func (t *topology) sortedActive() []Flow {
	flows := make([]Flow, 0, len(t.active))
	for f := range t.active {
		flows = append(flows, f)
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].less(flows[j]) })
	return flows
}

func (t *topology) dump() TopologyDump {
	flows := t.sortedActive()
	seen := make(map[engine.ObjectRef]bool)
	out := TopologyDump{Blocks: []engine.ObjectRef{}, Connections: flows}
	for _, f := range flows {
		for _, ref := range []engine.ObjectRef{f.Src, f.Dst} {
			if !seen[ref] {
				seen[ref] = true
				out.Blocks = append(out.Blocks, ref)
			}
		}
	}
	sort.Slice(out.Blocks, func(i, j int) bool { return out.Blocks[i].String() < out.Blocks[j].String() })
	return out
}
