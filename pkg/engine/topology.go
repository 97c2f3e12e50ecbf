package engine

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// topologyPath is the factory path of the live topology object.
const topologyPath = "/framework/Topology"

// DiffConnections returns removed = prev minus cur and added = cur minus prev under
// structural equality, each sorted.
func DiffConnections(prev, cur []ConnectionSnapshot) (removed, added []ConnectionSnapshot) {
	inPrev := make(map[ConnectionSnapshot]bool, len(prev))
	for _, c := range prev {
		inPrev[c] = true
	}
	inCur := make(map[ConnectionSnapshot]bool, len(cur))
	for _, c := range cur {
		inCur[c] = true
	}

	for c := range inPrev {
		if !inCur[c] {
			removed = append(removed, c)
		}
	}
	for c := range inCur {
		if !inPrev[c] {
			added = append(added, c)
		}
	}
	sortConnections(removed)
	sortConnections(added)
	return removed, added
}

// TopologyReconciler applies connection deltas to the live topology object.
//
// The committed set holds only the connections that were actually applied, so a
// connection skipped because an endpoint was not ready is retried once both ends
// are ready. Each committed connection remembers the instances it joined; it is
// disconnected while both are still live, ready or not. Any connect, disconnect or commit error puts the reconciler into a
// sticky failure state; connections applied earlier in the same cycle are not
// rolled back.
type TopologyReconciler struct {
	deps *deps
	log  zerolog.Logger

	env    *EnvironmentHandle
	topo   ObjectRef
	topoGn uint64

	committed map[ConnectionSnapshot]link

	failed     bool
	message    string
	implicated map[string]bool
}

// link is the pair of instances a committed connection was made between.
type link struct {
	src ObjectRef
	dst ObjectRef
}

func newTopologyReconciler(env *EnvironmentHandle, d *deps) *TopologyReconciler {
	return &TopologyReconciler{
		deps:       d,
		log:        d.logger.With().Str("component", "topology").Logger(),
		env:        env,
		committed:  make(map[ConnectionSnapshot]link),
		implicated: make(map[string]bool),
	}
}

// Failed reports the sticky failure state.
func (t *TopologyReconciler) Failed() bool { return t.failed }

// Message is the failure message.
func (t *TopologyReconciler) Message() string { return t.message }

// ErrorFor returns the failure message if uid took part in the failing call.
func (t *TopologyReconciler) ErrorFor(uid string) string {
	if t.failed && t.implicated[uid] {
		return t.message
	}
	return ""
}

// Committed returns the applied connections, sorted.
func (t *TopologyReconciler) Committed() []ConnectionSnapshot {
	out := make([]ConnectionSnapshot, 0, len(t.committed))
	for c := range t.committed {
		out = append(out, c)
	}
	sortConnections(out)
	return out
}

// ensure constructs the topology object on first use, and again if the local
// environment was re-attached.
func (t *TopologyReconciler) ensure(ctx context.Context) bool {
	if t.env.Failed() || t.env.Env() == nil {
		return false
	}
	if !t.topo.IsZero() && t.topoGn == t.env.Generation() {
		return true
	}

	ref, err := t.env.Env().Construct(ctx, topologyPath)
	if err != nil {
		t.fail(ctx, "create topology", err)
		return false
	}
	t.topo = ref
	t.topoGn = t.env.Generation()
	t.committed = make(map[ConnectionSnapshot]link)
	return true
}

func (t *TopologyReconciler) guard(c ConnectionSnapshot, blocks map[string]*BlockEvaluator) bool {
	src, dst := blocks[c.SrcUID], blocks[c.DstUID]
	return src != nil && dst != nil &&
		src.Ready() && dst.Ready() &&
		src.HasOutput(c.SrcPort) && dst.HasInput(c.DstPort)
}

// live reports whether both instances joined by a committed connection still
// exist, so that the connection can be removed from the topology object.
func (t *TopologyReconciler) live(c ConnectionSnapshot, l link, blocks map[string]*BlockEvaluator) bool {
	src, dst := blocks[c.SrcUID], blocks[c.DstUID]
	return src != nil && dst != nil &&
		src.Instance() == l.src && dst.Instance() == l.dst
}

// disconnect removes a committed connection. Connections whose instances are
// gone are only forgotten; the topology object dropped them with the instance.
func (t *TopologyReconciler) disconnect(ctx context.Context, c ConnectionSnapshot, blocks map[string]*BlockEvaluator) (bool, error) {
	l := t.committed[c]
	if !t.live(c, l, blocks) {
		delete(t.committed, c)
		return false, nil
	}
	if err := t.apply(ctx, "disconnect", c, l); err != nil {
		return false, err
	}
	delete(t.committed, c)
	return true, nil
}

func (t *TopologyReconciler) apply(ctx context.Context, method string, c ConnectionSnapshot, l link) error {
	_, err := t.env.Env().Call(ctx, t.topo, method, l.src, c.SrcPort, l.dst, c.DstPort)
	if err != nil {
		t.implicated[c.SrcUID] = true
		t.implicated[c.DstUID] = true
		t.log.Error().Err(err).
			Str("src", c.SrcUID).Str("src_port", c.SrcPort).
			Str("dst", c.DstUID).Str("dst_port", c.DstPort).
			Msgf("Topology %s failed", method)
		t.fail(ctx, method+" "+c.String(), err)
	}
	return err
}

// DisconnectBlocks removes every committed connection touching a uid in uids. It
// runs before blocks are updated so the endpoints are still live.
func (t *TopologyReconciler) DisconnectBlocks(ctx context.Context, uids map[string]bool, blocks map[string]*BlockEvaluator) {
	if t.failed || len(uids) == 0 || len(t.committed) == 0 || !t.ensure(ctx) {
		return
	}
	pop := t.deps.tracker.Push("topology disconnect blocks")
	defer pop()

	calls := 0
	for _, c := range t.Committed() {
		if !uids[c.SrcUID] && !uids[c.DstUID] {
			continue
		}
		called, err := t.disconnect(ctx, c, blocks)
		if err != nil {
			return
		}
		if called {
			calls++
		}
	}
	if calls > 0 {
		t.commit(ctx)
	}
}

// Update applies the delta between the committed set and conns.
func (t *TopologyReconciler) Update(ctx context.Context, conns []ConnectionSnapshot, blocks map[string]*BlockEvaluator) {
	if t.failed || !t.ensure(ctx) {
		return
	}
	pop := t.deps.tracker.Push("topology update")
	defer pop()

	ctx, span := t.deps.tracer.Start(ctx, "topology.update")
	defer span.End()

	removed, added := DiffConnections(t.Committed(), conns)
	calls := 0
	for _, c := range removed {
		called, err := t.disconnect(ctx, c, blocks)
		if err != nil {
			return
		}
		if called {
			calls++
		}
	}
	for _, c := range added {
		if !t.guard(c, blocks) {
			continue
		}
		l := link{src: blocks[c.SrcUID].Instance(), dst: blocks[c.DstUID].Instance()}
		if err := t.apply(ctx, "connect", c, l); err != nil {
			return
		}
		t.committed[c] = l
		calls++
	}

	span.SetAttributes(
		attribute.Int("topology.removed", len(removed)),
		attribute.Int("topology.added", len(added)),
		attribute.Int("topology.calls", calls),
	)
	if calls > 0 {
		t.commit(ctx)
	}
}

func (t *TopologyReconciler) commit(ctx context.Context) {
	if _, err := t.env.Env().Call(ctx, t.topo, "commit"); err != nil {
		for c := range t.committed {
			t.implicated[c.SrcUID] = true
			t.implicated[c.DstUID] = true
		}
		t.log.Error().Err(err).Msg("Topology commit failed")
		t.fail(ctx, "commit", err)
		return
	}

	committed := t.Committed()
	t.log.Debug().Int("connections", len(committed)).Msg("Topology committed")
	if err := t.deps.journal.RecordCommit(ctx, committed); err != nil {
		t.log.Debug().Err(err).Msg("Error writing commit to journal")
	}
	t.deps.journalEvent(ctx, t.log, JournalEvent{
		Kind:    EventTopologyCommitted,
		Subject: "topology",
	})
}

func (t *TopologyReconciler) fail(ctx context.Context, op string, cause error) {
	e := NewTopologyError("topology "+op, cause).WithCode(ErrCodeTopology)
	t.failed = true
	t.message = e.Summary()

	t.log.Error().Strs("blocks", t.implicatedUIDs()).Msg("Topology frozen until the engine is rebuilt")
	t.deps.recorder.RecordTopologyFailure()
	t.deps.journalEvent(ctx, t.log, JournalEvent{
		Kind:    EventTopologyFailed,
		Subject: "topology",
		Message: t.message,
	})
}

// Dump returns the topology object's JSON description of the committed topology.
func (t *TopologyReconciler) Dump(ctx context.Context) (json.RawMessage, error) {
	return t.query(ctx, "dumpJSON", `{"blocks":[],"connections":[]}`)
}

// query calls a read-only method, answering empty when no topology exists yet.
func (t *TopologyReconciler) query(ctx context.Context, method, empty string) (json.RawMessage, error) {
	if t.topo.IsZero() || !t.env.Alive(t.topoGn) {
		return json.RawMessage(empty), nil
	}
	return t.env.Env().Call(ctx, t.topo, method)
}

// Close releases the topology object.
func (t *TopologyReconciler) Close(ctx context.Context) {
	if !t.topo.IsZero() && t.env.Alive(t.topoGn) {
		if err := t.env.Env().Release(ctx, t.topo); err != nil {
			t.log.Debug().Err(err).Msg("Error releasing topology")
		}
	}
	t.topo = ObjectRef{}
	t.committed = make(map[ConnectionSnapshot]link)
}

// implicatedUIDs returns the uids named in the failure, sorted.
func (t *TopologyReconciler) implicatedUIDs() []string {
	out := make([]string, 0, len(t.implicated))
	for uid := range t.implicated {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}
