package engine

import (
	"context"
	"encoding/json"
	"time"
)

// ObjectRef is an opaque handle to an object living in an environment.
type ObjectRef struct {
	// Env is the name of the environment owning the object.
	Env string `json:"env"`

	// ID identifies the object within its environment.
	ID string `json:"id"`
}

// IsZero reports whether the reference points at nothing.
func (r ObjectRef) IsZero() bool {
	return r.ID == ""
}

func (r ObjectRef) String() string {
	if r.IsZero() {
		return "<nil>"
	}
	return r.Env + ":" + r.ID
}

// Environment is a local or remote execution context hosting block instances.
//
// Objects are addressed symbolically: constructed by factory path and invoked by
// method name with JSON-encodable arguments. A call to a method the object does not
// implement fails with an error whose text contains "method not found".
type Environment interface {
	// Name identifies the environment in object references and logs.
	Name() string

	// Ping is a cheap liveness probe.
	Ping(ctx context.Context) error

	// Construct creates an object from the factory at path.
	Construct(ctx context.Context, path string, args ...any) (ObjectRef, error)

	// Call invokes a method on an object and returns its JSON-encoded result.
	Call(ctx context.Context, obj ObjectRef, method string, args ...any) (json.RawMessage, error)

	// Release destroys an object.
	Release(ctx context.Context, obj ObjectRef) error

	// Close detaches from the environment. Remote peers are asked to exit.
	Close() error
}

// CapabilityReporter is implemented by environments that advertise capabilities
// when attached.
type CapabilityReporter interface {
	Capabilities() []string
}

// EnvironmentProvider builds environments and probes hosts.
type EnvironmentProvider interface {
	// Attach returns a fresh environment for key. In-process keys attach locally;
	// remote keys spawn or reach a peer process on the target host.
	Attach(ctx context.Context, key EnvironmentKey) (Environment, error)

	// ProbeHost performs a raw connection attempt against hostURI.
	ProbeHost(ctx context.Context, hostURI string) error
}

// StatusSink receives status records produced by the worker. Calls are made on the
// worker goroutine and must not block on the engine.
type StatusSink interface {
	BlockStatus(BlockStatus)
	ZoneStatus(ZoneStatus)
}

// Recorder collects engine metrics.
type Recorder interface {
	RecordCycle(d time.Duration, blocks, ready int)
	RecordRemoteCall(env, method string, d time.Duration, err error)
	RecordEnvironmentState(env string, healthy bool)
	RecordTopologyFailure()
	RecordLockup()
}

// JournalEvent is one entry of the engine event journal.
type JournalEvent struct {
	Kind      string    `json:"kind"`
	Subject   string    `json:"subject"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Journal kinds.
const (
	EventEnvironmentFailed    = "environment.failed"
	EventEnvironmentRecovered = "environment.recovered"
	EventThreadPoolFailed     = "threadpool.failed"
	EventTopologyCommitted    = "topology.committed"
	EventTopologyFailed       = "topology.failed"
	EventLockup               = "engine.lockup"
)

// Journal persists engine events and committed topologies.
type Journal interface {
	RecordEvent(ctx context.Context, event JournalEvent) error
	RecordCommit(ctx context.Context, connections []ConnectionSnapshot) error
}

// GUIExecutor runs a function on the front-end thread and waits for it.
type GUIExecutor interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) error
}

// Clock abstracts time for the worker and monitor.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type nopSink struct{}

func (nopSink) BlockStatus(BlockStatus) {}
func (nopSink) ZoneStatus(ZoneStatus)   {}

type nopRecorder struct{}

func (nopRecorder) RecordCycle(time.Duration, int, int)                   {}
func (nopRecorder) RecordRemoteCall(string, string, time.Duration, error) {}
func (nopRecorder) RecordEnvironmentState(string, bool)                   {}
func (nopRecorder) RecordTopologyFailure()                                {}
func (nopRecorder) RecordLockup()                                         {}

type nopJournal struct{}

func (nopJournal) RecordEvent(context.Context, JournalEvent) error           { return nil }
func (nopJournal) RecordCommit(context.Context, []ConnectionSnapshot) error { return nil }
