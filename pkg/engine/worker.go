package engine

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Worker owns every environment, thread pool, block evaluator and the topology
// reconciler. It runs on a single goroutine and needs no locking.
type Worker struct {
	deps *deps
	log  zerolog.Logger
	sink StatusSink

	envs     map[EnvironmentKey]*EnvironmentHandle
	pools    map[string]*ThreadPoolHandle
	blocks   map[string]*BlockEvaluator
	topology *TopologyReconciler

	snapshots   map[string]BlockSnapshot
	order       []string
	zones       ZoneSnapshot
	connections []ConnectionSnapshot

	lastBlockStatus map[string]BlockStatus
	lastZoneStatus  map[string]ZoneStatus

	// latestSubmit is the sequence number of the newest queued submission.
	latestSubmit *atomic.Uint64

	// seenSeq is the sequence number of the last submission processed.
	seenSeq uint64
}

func newWorker(d *deps, sink StatusSink, latestSubmit *atomic.Uint64) *Worker {
	w := &Worker{
		deps:            d,
		log:             d.logger.With().Str("component", "worker").Logger(),
		sink:            sink,
		envs:            make(map[EnvironmentKey]*EnvironmentHandle),
		pools:           make(map[string]*ThreadPoolHandle),
		blocks:          make(map[string]*BlockEvaluator),
		snapshots:       make(map[string]BlockSnapshot),
		zones:           make(ZoneSnapshot),
		lastBlockStatus: make(map[string]BlockStatus),
		lastZoneStatus:  make(map[string]ZoneStatus),
		latestSubmit:    latestSubmit,
	}
	w.envs[LocalKey] = newEnvironmentHandle(LocalKey, d)
	w.topology = newTopologyReconciler(w.envs[LocalKey], d)
	return w
}

// command is a unit of work for the worker.
type command interface {
	run(ctx context.Context, w *Worker)
}

type submitTopology struct {
	seq         uint64
	blocks      []BlockSnapshot
	connections []ConnectionSnapshot
}

func (c submitTopology) run(ctx context.Context, w *Worker) {
	w.snapshots = make(map[string]BlockSnapshot, len(c.blocks))
	w.order = w.order[:0]
	for _, b := range c.blocks {
		if _, dup := w.snapshots[b.UID]; !dup {
			w.order = append(w.order, b.UID)
		}
		w.snapshots[b.UID] = b
	}
	w.connections = c.connections
	w.maybeEvaluate(ctx, c.seq)
}

type submitBlock struct {
	seq   uint64
	block BlockSnapshot
}

func (c submitBlock) run(ctx context.Context, w *Worker) {
	if _, ok := w.snapshots[c.block.UID]; !ok {
		w.order = append(w.order, c.block.UID)
	}
	w.snapshots[c.block.UID] = c.block
	w.maybeEvaluate(ctx, c.seq)
}

type submitZones struct {
	seq   uint64
	zones ZoneSnapshot
}

func (c submitZones) run(ctx context.Context, w *Worker) {
	w.zones = c.zones
	w.maybeEvaluate(ctx, c.seq)
}

type exportMarkup struct {
	opts  ExportOptions
	reply chan<- string
}

func (c exportMarkup) run(_ context.Context, w *Worker) {
	c.reply <- w.exportMarkup(c.opts)
}

type queryResult struct {
	data json.RawMessage
	err  error
}

type dumpTopology struct {
	reply chan<- queryResult
}

func (c dumpTopology) run(ctx context.Context, w *Worker) {
	data, err := w.topology.Dump(ctx)
	c.reply <- queryResult{data: data, err: err}
}

type dumpStats struct {
	reply chan<- queryResult
}

func (c dumpStats) run(ctx context.Context, w *Worker) {
	data, err := w.stats(ctx)
	c.reply <- queryResult{data: data, err: err}
}

// heartbeat is queued by the monitor on every tick. Processing it is the beat;
// it also re-runs the cycle so liveness probes and overlays stay current while
// no edits arrive.
type heartbeat struct{}

func (heartbeat) run(ctx context.Context, w *Worker) { w.tick(ctx) }

// flush replies once every earlier command has been processed.
type flush struct {
	reply chan<- struct{}
}

func (c flush) run(context.Context, *Worker) {
	close(c.reply)
}

// maybeEvaluate runs a cycle unless a newer submission is already queued, in which
// case the state is stored and the newer submission evaluates it.
func (w *Worker) maybeEvaluate(ctx context.Context, seq uint64) {
	w.seenSeq = seq
	if w.pending() {
		w.log.Debug().Uint64("seq", seq).Msg("Newer submission queued, deferring evaluation")
		return
	}
	w.Evaluate(ctx)
}

// pending reports whether a newer submission is still queued.
func (w *Worker) pending() bool {
	return w.latestSubmit != nil && w.seenSeq < w.latestSubmit.Load()
}

// tick runs an idle cycle. Nothing happens before the first submission or while
// a submission is queued, since that submission evaluates anyway.
func (w *Worker) tick(ctx context.Context) {
	if w.seenSeq == 0 || w.pending() {
		return
	}
	w.Evaluate(ctx)
}

// stats collects the live statistics of every block instance, keyed by uid.
// Each block is asked through its own environment.
func (w *Worker) stats(ctx context.Context) (json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	for _, uid := range w.order {
		b, ok := w.blocks[uid]
		if !ok {
			continue
		}
		if raw, ok := b.Stats(ctx); ok {
			out[uid] = raw
		}
	}
	return json.Marshal(out)
}

// zoneKey resolves the environment key of a zone. Unknown zones run locally.
func (w *Worker) zoneKey(zone string) EnvironmentKey {
	cfg, ok := w.zones[zone]
	if zone == "" || !ok {
		return LocalKey
	}
	return cfg.EnvironmentKey()
}

func (w *Worker) blockKey(b BlockSnapshot) EnvironmentKey {
	if b.IsGUIWidget {
		return GUIKey
	}
	return w.zoneKey(b.Zone)
}

// Evaluate runs one reconciliation cycle: environments, thread pools, blocks,
// topology, then status.
func (w *Worker) Evaluate(ctx context.Context) {
	start := w.deps.clock.Now()
	pop := w.deps.tracker.Push("evaluate")
	defer pop()

	ctx, span := w.deps.tracer.Start(ctx, "reconcile")
	defer span.End()

	// environments
	needed := map[EnvironmentKey]bool{LocalKey: true}
	usedZones := make(map[string]bool)
	for _, snap := range w.snapshots {
		needed[w.blockKey(snap)] = true
		if !snap.IsGUIWidget && snap.Zone != "" {
			if _, ok := w.zones[snap.Zone]; ok {
				usedZones[snap.Zone] = true
			}
		}
	}
	for _, key := range sortedEnvKeys(needed) {
		h, ok := w.envs[key]
		if !ok {
			h = newEnvironmentHandle(key, w.deps)
			w.envs[key] = h
		}
		h.Update(ctx)
	}
	var unneeded []*EnvironmentHandle
	for key, h := range w.envs {
		if !needed[key] {
			unneeded = append(unneeded, h)
			delete(w.envs, key)
		}
	}

	// thread pools
	for zone, p := range w.pools {
		if !usedZones[zone] {
			p.Close(ctx)
			delete(w.pools, zone)
		}
	}
	for _, zone := range sortedKeys(usedZones) {
		p, ok := w.pools[zone]
		if !ok {
			p = newThreadPoolHandle(zone, w.deps)
			w.pools[zone] = p
		}
		p.Update(ctx, w.envs[w.zoneKey(zone)], w.zones[zone])
	}

	// stage blocks and drop connections that the staged state invalidates
	disconnect := make(map[string]bool)
	for uid := range w.blocks {
		if _, ok := w.snapshots[uid]; !ok {
			disconnect[uid] = true
		}
	}
	for _, uid := range w.order {
		snap := w.snapshots[uid]
		b, ok := w.blocks[uid]
		if !ok {
			b = newBlockEvaluator(uid, w.deps)
			w.blocks[uid] = b
		}
		var pool *ThreadPoolHandle
		if !snap.IsGUIWidget {
			pool = w.pools[snap.Zone]
		}
		b.Stage(snap, w.envs[w.blockKey(snap)], pool)
		if b.ShouldDisconnect() {
			disconnect[uid] = true
		}
	}
	w.topology.DisconnectBlocks(ctx, disconnect, w.blocks)

	// removed blocks
	for uid, b := range w.blocks {
		if _, ok := w.snapshots[uid]; !ok {
			b.Release(ctx)
			delete(w.blocks, uid)
			delete(w.lastBlockStatus, uid)
			w.log.Debug().Str("uid", uid).Msg("Block removed")
		}
	}

	// blocks
	for _, uid := range w.order {
		w.blocks[uid].Update(ctx)
	}

	// topology
	w.topology.Update(ctx, w.connections, w.blocks)

	for _, h := range unneeded {
		h.Close()
	}

	ready := w.publish()
	span.SetAttributes(
		attribute.Int("blocks", len(w.blocks)),
		attribute.Int("ready", ready),
	)
	w.deps.recorder.RecordCycle(w.deps.clock.Now().Sub(start), len(w.blocks), ready)
}

// publish pushes changed status records and returns the number of ready blocks.
func (w *Worker) publish() int {
	ready := 0
	for _, uid := range w.order {
		b := w.blocks[uid]
		st := b.Status(w.topology.ErrorFor(uid))
		if st.Ready {
			ready++
		}
		if prev, ok := w.lastBlockStatus[uid]; ok && reflect.DeepEqual(prev, st) {
			continue
		}
		w.lastBlockStatus[uid] = st
		w.sink.BlockStatus(st)
	}

	zones := make(map[string]bool)
	for zone := range w.pools {
		zones[zone] = true
	}
	for zone := range w.lastZoneStatus {
		if !zones[zone] {
			delete(w.lastZoneStatus, zone)
		}
	}
	for _, zone := range sortedKeys(zones) {
		st := w.zoneStatus(zone)
		if prev, ok := w.lastZoneStatus[zone]; ok && prev == st {
			continue
		}
		w.lastZoneStatus[zone] = st
		w.sink.ZoneStatus(st)
	}
	return ready
}

func (w *Worker) zoneStatus(zone string) ZoneStatus {
	key := w.zoneKey(zone)
	st := ZoneStatus{Zone: zone, Environment: key.String(), Healthy: true}
	if h := w.envs[key]; h != nil && h.Failed() {
		st.Healthy = false
		st.Error = h.Message()
		return st
	}
	if p := w.pools[zone]; p != nil && p.Failed() {
		st.Healthy = false
		st.Error = p.Message()
	}
	return st
}

// exportMarkup answers a markup query from the current state without changing it.
func (w *Worker) exportMarkup(opts ExportOptions) string {
	view := graphView{nodes: make(map[string]nodeView, len(w.snapshots))}
	for uid, snap := range w.snapshots {
		n := nodeView{
			uid:       uid,
			displayID: snap.DisplayID,
			path:      snap.Desc.Path,
			enabled:   snap.Enabled,
			inputs:    snap.Desc.Inputs,
			outputs:   snap.Desc.Outputs,
		}
		if b, ok := w.blocks[uid]; ok {
			st := b.Status(w.topology.ErrorFor(uid))
			n.ready = st.Ready
			n.hasErrors = len(st.BlockErrors) > 0 || len(st.PropertyErrors) > 0
			if b.hasInstance() {
				n.inputs = st.Inputs
				n.outputs = st.Outputs
			}
		}
		view.nodes[uid] = n
	}
	if opts.Mode == ExportFlat {
		view.conns = w.topology.Committed()
	} else {
		view.conns = append([]ConnectionSnapshot(nil), w.connections...)
		sortConnections(view.conns)
	}
	return renderDOT(view, opts, w.deps.cache)
}

// shutdown releases everything the worker owns.
func (w *Worker) shutdown(ctx context.Context) {
	w.topology.Close(ctx)
	for uid, b := range w.blocks {
		b.Release(ctx)
		delete(w.blocks, uid)
	}
	for zone, p := range w.pools {
		p.Close(ctx)
		delete(w.pools, zone)
	}
	for key, h := range w.envs {
		h.Close()
		delete(w.envs, key)
	}
}

func sortedEnvKeys(m map[EnvironmentKey]bool) []EnvironmentKey {
	keys := make([]EnvironmentKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
