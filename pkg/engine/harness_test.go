package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/livegraph/pkg/engine"
	"github.com/openfroyo/livegraph/pkg/runtime"
)

// remoteCall is one operation observed by the recording provider.
type remoteCall struct {
	env    string
	op     string // construct, call, release
	path   string
	method string
	obj    engine.ObjectRef
	ref    engine.ObjectRef
}

// recorder logs every non-ping operation across all environments.
type recorder struct {
	mu    sync.Mutex
	calls []remoteCall
}

func (r *recorder) add(c remoteCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recorder) snapshot() []remoteCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]remoteCall(nil), r.calls...)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) since(mark int) []remoteCall {
	return r.snapshot()[mark:]
}

func count(calls []remoteCall, match func(remoteCall) bool) int {
	n := 0
	for _, c := range calls {
		if match(c) {
			n++
		}
	}
	return n
}

func isMethod(m string) func(remoteCall) bool {
	return func(c remoteCall) bool { return c.op == "call" && c.method == m }
}

func isConstruct(path string) func(remoteCall) bool {
	return func(c remoteCall) bool { return c.op == "construct" && c.path == path }
}

// recordingEnv decorates an environment with call recording and injected failures.
type recordingEnv struct {
	engine.Environment
	rec  *recorder
	prov *fakeProvider
}

func (e *recordingEnv) Construct(ctx context.Context, path string, args ...any) (engine.ObjectRef, error) {
	ref, err := e.Environment.Construct(ctx, path, args...)
	e.rec.add(remoteCall{env: e.Name(), op: "construct", path: path, ref: ref})
	return ref, err
}

func (e *recordingEnv) Call(ctx context.Context, obj engine.ObjectRef, method string, args ...any) (json.RawMessage, error) {
	e.rec.add(remoteCall{env: e.Name(), op: "call", method: method, obj: obj})
	if err := e.prov.injected(method); err != nil {
		return nil, err
	}
	return e.Environment.Call(ctx, obj, method, args...)
}

func (e *recordingEnv) Release(ctx context.Context, obj engine.ObjectRef) error {
	e.rec.add(remoteCall{env: e.Name(), op: "release", obj: obj})
	return e.Environment.Release(ctx, obj)
}

// fakeProvider attaches runtime.Local environments for every key, remote ones
// included, and lets tests take hosts offline or crash processes.
type fakeProvider struct {
	rec *recorder

	mu          sync.Mutex
	envs        map[engine.EnvironmentKey]*runtime.Local
	attaches    map[engine.EnvironmentKey]int
	offline     map[string]bool
	attachFails map[engine.EnvironmentKey]bool
	failMethods map[string]error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		rec:         &recorder{},
		envs:        make(map[engine.EnvironmentKey]*runtime.Local),
		attaches:    make(map[engine.EnvironmentKey]int),
		offline:     make(map[string]bool),
		attachFails: make(map[engine.EnvironmentKey]bool),
		failMethods: make(map[string]error),
	}
}

func (p *fakeProvider) Attach(_ context.Context, key engine.EnvironmentKey) (engine.Environment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if (!key.InProcess() && p.offline[key.HostURI]) || p.attachFails[key] {
		return nil, fmt.Errorf("cannot attach %s", key)
	}
	p.attaches[key]++
	env := runtime.NewLocal(key.String(), runtime.DefaultRegistry(), zerolog.Nop())
	p.envs[key] = env
	return &recordingEnv{Environment: env, rec: p.rec, prov: p}, nil
}

func (p *fakeProvider) ProbeHost(_ context.Context, hostURI string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offline[hostURI] {
		return errors.New("connection refused")
	}
	return nil
}

func (p *fakeProvider) setOffline(host string, offline bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline[host] = offline
}

func (p *fakeProvider) setAttachFails(key engine.EnvironmentKey, fails bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attachFails[key] = fails
}

func (p *fakeProvider) failMethod(method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failMethods[method] = err
}

func (p *fakeProvider) injected(method string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failMethods[method]
}

// crash closes the environment of key so its next liveness probe fails.
func (p *fakeProvider) crash(key engine.EnvironmentKey) {
	p.mu.Lock()
	env := p.envs[key]
	p.mu.Unlock()
	if env != nil {
		_ = env.Close()
	}
}

func (p *fakeProvider) attachCount(key engine.EnvironmentKey) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attaches[key]
}

// statusSink keeps the latest record per uid and zone.
type statusSink struct {
	mu     sync.Mutex
	blocks map[string]engine.BlockStatus
	zones  map[string]engine.ZoneStatus
	pushes int
}

func newStatusSink() *statusSink {
	return &statusSink{
		blocks: make(map[string]engine.BlockStatus),
		zones:  make(map[string]engine.ZoneStatus),
	}
}

func (s *statusSink) BlockStatus(st engine.BlockStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[st.UID] = st
	s.pushes++
}

func (s *statusSink) ZoneStatus(st engine.ZoneStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones[st.Zone] = st
}

func (s *statusSink) block(uid string) engine.BlockStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocks[uid]
}

func (s *statusSink) zone(name string) engine.ZoneStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zones[name]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t     *testing.T
	eng   *engine.Engine
	prov  *fakeProvider
	sink  *statusSink
	clock *fakeClock
}

func newHarness(t *testing.T, opts ...func(*engine.Options)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		prov:  newFakeProvider(),
		sink:  newStatusSink(),
		clock: newFakeClock(),
	}
	o := engine.Options{
		Provider:          h.prov,
		Sink:              h.sink,
		Clock:             h.clock,
		Logger:            zerolog.Nop(),
		HeartbeatInterval: time.Hour,
	}
	for _, fn := range opts {
		fn(&o)
	}
	eng, err := engine.New(o)
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	h.eng = eng
	eng.Start(context.Background())
	t.Cleanup(func() { _ = eng.Close() })
	return h
}

func (h *harness) flush() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.eng.Flush(ctx); err != nil {
		h.t.Fatalf("Flush() error = %v", err)
	}
}

func (h *harness) submit(blocks []engine.BlockSnapshot, conns []engine.ConnectionSnapshot) {
	h.t.Helper()
	if err := h.eng.SubmitTopology(blocks, conns); err != nil {
		h.t.Fatalf("SubmitTopology() error = %v", err)
	}
	h.flush()
}

func (h *harness) submitZones(zones engine.ZoneSnapshot) {
	h.t.Helper()
	if err := h.eng.SubmitZones(zones); err != nil {
		h.t.Fatalf("SubmitZones() error = %v", err)
	}
	h.flush()
}

func (h *harness) dump() runtime.TopologyDump {
	h.t.Helper()
	raw, err := h.eng.DumpTopologyJSON(context.Background())
	if err != nil {
		h.t.Fatalf("DumpTopologyJSON() error = %v", err)
	}
	var d runtime.TopologyDump
	if err := json.Unmarshal(raw, &d); err != nil {
		h.t.Fatalf("decode dump %s: %v", raw, err)
	}
	return d
}

func source(uid string) engine.BlockSnapshot {
	return engine.BlockSnapshot{
		UID:       uid,
		DisplayID: uid,
		Desc: engine.BlockDesc{
			Path: runtime.SourcePath,
			Calls: []engine.CallDesc{
				{Name: "setRate", Kind: engine.CallSetter, Args: []string{"rate"}},
			},
			Outputs: []engine.PortDesc{{Name: "0"}},
		},
		Properties: map[string]string{"rate": "10"},
		Enabled:    true,
	}
}

func gain(uid string) engine.BlockSnapshot {
	return engine.BlockSnapshot{
		UID:       uid,
		DisplayID: uid,
		Desc: engine.BlockDesc{
			Path: runtime.GainPath,
			Args: []string{"dtype"},
			Calls: []engine.CallDesc{
				{Name: "setGain", Kind: engine.CallSetter, Args: []string{"gain"}},
			},
		},
		Properties: map[string]string{"dtype": `"float32"`, "gain": "1.0"},
		Enabled:    true,
	}
}

func sink(uid string) engine.BlockSnapshot {
	return engine.BlockSnapshot{
		UID:       uid,
		DisplayID: uid,
		Desc: engine.BlockDesc{
			Path:   runtime.SinkPath,
			Inputs: []engine.PortDesc{{Name: "0"}},
		},
		Enabled: true,
	}
}

func conn(src, dst string) engine.ConnectionSnapshot {
	return engine.ConnectionSnapshot{SrcUID: src, SrcPort: "0", DstUID: dst, DstPort: "0"}
}

func (e *recordingEnv) Capabilities() []string {
	if r, ok := e.Environment.(engine.CapabilityReporter); ok {
		return r.Capabilities()
	}
	return nil
}
