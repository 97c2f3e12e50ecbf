package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"time"

	"github.com/rs/zerolog"
)

// evaluatorPath is the factory path of the per-block expression evaluator.
const evaluatorPath = "/framework/Evaluator"

var displayIDPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// errEnvironmentFailed short-circuits calls once the owning environment is gone.
var errEnvironmentFailed = errors.New("environment failed")

type evalResult struct {
	Value json.RawMessage `json:"value"`
	Type  string          `json:"type"`
}

// BlockEvaluator incrementally applies snapshots of one block to its environment.
//
// The worker stages the next snapshot together with the environment and thread
// pool it resolves to, then calls Update. Update decides between tearing the
// instance down, re-applying setters in place, or rebuilding it.
type BlockEvaluator struct {
	uid  string
	deps *deps
	log  zerolog.Logger

	// staged for the current cycle
	next     BlockSnapshot
	nextEnv  *EnvironmentHandle
	nextPool *ThreadPoolHandle

	// last applied
	last          BlockSnapshot
	hasLast       bool
	env           *EnvironmentHandle
	envGen        uint64
	stagedPool    ObjectRef
	stagedPoolErr string

	instance      ObjectRef
	evaluator     ObjectRef
	constantsSet  bool
	evalConstants map[string]string
	pool          ObjectRef
	values        map[string]json.RawMessage
	failedCalls   map[string]bool

	envError    string
	blockErrors []string
	propErrors  map[string]string
	propTypes   map[string]string

	inputs         []PortDesc
	outputs        []PortDesc
	portsDirty     bool
	overlay        json.RawMessage
	overlayChecked time.Time
}

func newBlockEvaluator(uid string, d *deps) *BlockEvaluator {
	return &BlockEvaluator{
		uid:         uid,
		deps:        d,
		log:         d.logger.With().Str("component", "block").Str("uid", uid).Logger(),
		failedCalls: make(map[string]bool),
	}
}

// Stage sets the inputs of the next Update.
func (b *BlockEvaluator) Stage(snap BlockSnapshot, env *EnvironmentHandle, pool *ThreadPoolHandle) {
	b.next = snap
	b.nextEnv = env
	b.nextPool = pool
}

// Instance returns the live instance, zero when there is none.
func (b *BlockEvaluator) Instance() ObjectRef { return b.instance }

func (b *BlockEvaluator) hasInstance() bool { return !b.instance.IsZero() }

// Ready reports whether the block can take part in the topology.
func (b *BlockEvaluator) Ready() bool {
	return b.hasInstance() &&
		b.last.Enabled &&
		b.envError == "" &&
		len(b.blockErrors) == 0 &&
		len(b.propErrors) == 0
}

// ShouldDisconnect reports whether the staged snapshot will invalidate the
// block's current connections. It is evaluated before Update so that edges can
// be removed while the old instance is still live.
func (b *BlockEvaluator) ShouldDisconnect() bool {
	if !b.hasInstance() || !b.next.Enabled || b.nextEnv.Failed() || b.envChanged() {
		return true
	}
	critical, _ := b.criticalChange()
	return critical
}

// HasInput reports whether the instance exposes an input port.
func (b *BlockEvaluator) HasInput(port string) bool { return hasPort(b.inputs, port) }

// HasOutput reports whether the instance exposes an output port.
func (b *BlockEvaluator) HasOutput(port string) bool { return hasPort(b.outputs, port) }

func hasPort(ports []PortDesc, name string) bool {
	for _, p := range ports {
		if p.Name == name {
			return true
		}
	}
	return false
}

func (b *BlockEvaluator) envChanged() bool {
	return b.env != b.nextEnv || b.envGen != b.nextEnv.Generation()
}

func (b *BlockEvaluator) poolRef() ObjectRef {
	if b.nextPool == nil {
		return ObjectRef{}
	}
	return b.nextPool.Pool()
}

func (b *BlockEvaluator) poolFailure() string {
	if b.nextPool == nil || !b.nextPool.Failed() {
		return ""
	}
	return b.nextPool.Message()
}

// criticalChange reports whether the staged snapshot requires a new instance.
// A constant cycle reachable from a critical property is returned as the error
// and counts as a change, on the first evaluation as on every later one.
func (b *BlockEvaluator) criticalChange() (bool, error) {
	critical := !b.hasLast ||
		b.last.IsGUIWidget != b.next.IsGUIWidget ||
		!reflect.DeepEqual(b.last.Desc, b.next.Desc)

	graph := NewConstantGraph(b.last.Constants, b.next.Constants)
	var cycleErr error
	for _, key := range b.next.Desc.criticalKeys() {
		changed, err := graph.Changed(b.next.Properties[key])
		if err != nil && cycleErr == nil {
			cycleErr = err
		}
		if changed || b.last.Properties[key] != b.next.Properties[key] {
			critical = true
		}
	}
	return critical, cycleErr
}

// isClean reports whether nothing that feeds the block changed since the last
// applied snapshot.
func (b *BlockEvaluator) isClean() bool {
	return b.hasLast &&
		!b.envChanged() &&
		!b.portsDirty &&
		b.stagedPool == b.poolRef() &&
		b.stagedPoolErr == b.poolFailure() &&
		reflect.DeepEqual(b.last, b.next)
}

// Update applies the staged snapshot.
func (b *BlockEvaluator) Update(ctx context.Context) {
	pop := b.deps.tracker.Push("block " + b.uid)
	defer pop()

	if b.nextEnv.Failed() {
		b.dropRemote()
		b.envError = b.nextEnv.Message()
		b.commit()
		return
	}

	if b.isClean() {
		b.refreshOverlay(ctx)
		b.checkEnvironment()
		return
	}

	if b.envChanged() {
		b.releaseRemote(ctx)
	}
	b.envError = ""
	b.blockErrors = nil

	next := b.next
	if next.DisplayID == "" {
		b.addError(NewBlockError("display id is empty", nil).WithCode(ErrCodeInvalidID))
	} else if !displayIDPattern.MatchString(next.DisplayID) {
		b.addError(NewBlockError(fmt.Sprintf("display id %q is not a valid identifier", next.DisplayID), nil).
			WithCode(ErrCodeInvalidID))
	}

	critical, cycleErr := b.criticalChange()
	if cycleErr != nil {
		b.addError(NewBlockError(cycleErr.Error(), nil).WithCode(ErrCodeCyclicConstant))
	}

	switch {
	case !next.Enabled:
		b.releaseInstance(ctx)
		if b.ensureEvaluator(ctx) {
			b.applyProperties(ctx)
		}

	case b.hasInstance() && !critical:
		if b.ensureEvaluator(ctx) {
			b.applySetters(ctx, b.applyProperties(ctx))
		}

	default:
		if b.hasInstance() {
			b.log.Debug().Msg("Critical change, rebuilding instance")
		}
		b.releaseInstance(ctx)
		if b.ensureEvaluator(ctx) {
			b.applyProperties(ctx)
			b.construct(ctx)
		}
	}

	if msg := b.poolFailure(); msg != "" {
		b.blockErrors = append(b.blockErrors, msg)
	}

	b.refreshOverlay(ctx)
	b.refreshPorts(ctx)
	b.assignThreadPool(ctx)
	b.checkEnvironment()
	b.commit()
}

func (b *BlockEvaluator) commit() {
	b.last = b.next
	b.hasLast = true
	b.env = b.nextEnv
	b.envGen = b.nextEnv.Generation()
	b.stagedPool = b.poolRef()
	b.stagedPoolErr = b.poolFailure()
}

// checkEnvironment drops remote state if the environment failed during the cycle.
func (b *BlockEvaluator) checkEnvironment() {
	if b.nextEnv.Failed() {
		b.dropRemote()
		b.envError = b.nextEnv.Message()
	}
}

// Release frees the instance and evaluator. Used when the block is removed.
func (b *BlockEvaluator) Release(ctx context.Context) {
	b.releaseRemote(ctx)
}

// releaseRemote frees every object the block owns in its last environment, or just
// forgets them if that environment is no longer reachable.
func (b *BlockEvaluator) releaseRemote(ctx context.Context) {
	b.releaseInstance(ctx)
	if !b.evaluator.IsZero() && b.env.Alive(b.envGen) {
		if err := b.env.Env().Release(ctx, b.evaluator); err != nil {
			b.log.Debug().Err(err).Msg("Error releasing evaluator")
		}
	}
	b.dropRemote()
}

func (b *BlockEvaluator) releaseInstance(ctx context.Context) {
	if b.hasInstance() && b.env.Alive(b.envGen) {
		if err := b.env.Env().Release(ctx, b.instance); err != nil {
			b.log.Debug().Err(err).Msg("Error releasing instance")
		}
	}
	b.instance = ObjectRef{}
	b.pool = ObjectRef{}
	b.inputs = nil
	b.outputs = nil
	b.portsDirty = false
	b.overlay = nil
	b.overlayChecked = time.Time{}
}

// dropRemote forgets remote references without issuing any call.
func (b *BlockEvaluator) dropRemote() {
	b.instance = ObjectRef{}
	b.evaluator = ObjectRef{}
	b.constantsSet = false
	b.evalConstants = nil
	b.pool = ObjectRef{}
	b.values = nil
	b.inputs = nil
	b.outputs = nil
	b.portsDirty = false
	b.overlay = nil
	b.overlayChecked = time.Time{}
	b.blockErrors = nil
	b.propErrors = nil
}

// call invokes a method through the staged environment. If the call fails and the
// environment no longer answers its liveness probe, errEnvironmentFailed is
// returned instead.
func (b *BlockEvaluator) call(ctx context.Context, obj ObjectRef, method string, args ...any) (json.RawMessage, error) {
	if b.nextEnv.Failed() {
		return nil, errEnvironmentFailed
	}
	out, err := b.nextEnv.Env().Call(ctx, obj, method, args...)
	if err != nil && !IsNotImplemented(err) && !b.nextEnv.Verify(ctx) {
		return nil, errEnvironmentFailed
	}
	return out, err
}

func (b *BlockEvaluator) constructRemote(ctx context.Context, path string, args ...any) (ObjectRef, error) {
	if b.nextEnv.Failed() {
		return ObjectRef{}, errEnvironmentFailed
	}
	ref, err := b.nextEnv.Env().Construct(ctx, path, args...)
	if err != nil && !b.nextEnv.Verify(ctx) {
		return ObjectRef{}, errEnvironmentFailed
	}
	return ref, err
}

// addError appends a block-level error unless it is the environment sentinel,
// which is reported through the environment instead.
func (b *BlockEvaluator) addError(err *EngineError) {
	if errors.Is(err.Err, errEnvironmentFailed) {
		return
	}
	b.blockErrors = append(b.blockErrors, err.Summary())
}

// ensureEvaluator builds the block's evaluator if needed and loads the constants.
func (b *BlockEvaluator) ensureEvaluator(ctx context.Context) bool {
	if b.evaluator.IsZero() {
		ref, err := b.constructRemote(ctx, evaluatorPath)
		if err != nil {
			b.addError(NewBlockError("create evaluator", err).WithCode(ErrCodeEvaluator))
			return false
		}
		b.evaluator = ref
		b.constantsSet = false
	}

	if !b.constantsSet || !reflect.DeepEqual(b.evalConstants, b.next.Constants) {
		constants := b.next.Constants
		if constants == nil {
			constants = map[string]string{}
		}
		if _, err := b.call(ctx, b.evaluator, "setConstants", constants); err != nil {
			b.addError(NewBlockError("set constants", err).WithCode(ErrCodeEvaluator))
			return false
		}
		b.constantsSet = true
		b.evalConstants = cloneStrings(b.next.Constants)
	}
	return true
}

// applyProperties evaluates every property and returns the keys whose value
// changed since the last applied snapshot.
func (b *BlockEvaluator) applyProperties(ctx context.Context) map[string]bool {
	next := b.next
	graph := NewConstantGraph(b.last.Constants, next.Constants)

	values := make(map[string]json.RawMessage, len(next.Properties))
	errs := make(map[string]string)
	types := make(map[string]string, len(next.Properties))
	changed := make(map[string]bool, len(next.Properties))

	for _, key := range sortedKeys(next.Properties) {
		src := next.Properties[key]
		raw, err := b.call(ctx, b.evaluator, "eval", src)
		if errors.Is(err, errEnvironmentFailed) {
			break
		}
		var res evalResult
		if err == nil {
			err = json.Unmarshal(raw, &res)
		}
		if err != nil {
			errs[key] = err.Error()
			changed[key] = true
			continue
		}

		values[key] = res.Value
		types[key] = res.Type
		constChanged, _ := graph.Changed(src)
		changed[key] = !b.hasLast ||
			b.last.Properties[key] != src ||
			constChanged ||
			!bytes.Equal(b.values[key], res.Value) ||
			b.propErrors[key] != ""
	}

	b.values = values
	b.propErrors = errs
	b.propTypes = types
	return changed
}

// callArgs resolves property keys to their evaluated values.
func (b *BlockEvaluator) callArgs(keys []string) ([]any, bool) {
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		v, ok := b.values[k]
		if !ok {
			return nil, false
		}
		args = append(args, v)
	}
	return args, true
}

// applySetters re-issues the setters whose arguments changed or that failed last time.
func (b *BlockEvaluator) applySetters(ctx context.Context, changed map[string]bool) {
	for _, c := range b.next.Desc.Calls {
		if c.Kind != CallSetter {
			continue
		}
		dirty := b.failedCalls[c.Name]
		for _, a := range c.Args {
			dirty = dirty || changed[a]
		}
		if dirty {
			b.invoke(ctx, c)
		}
	}
}

func (b *BlockEvaluator) invoke(ctx context.Context, c CallDesc) {
	args, ok := b.callArgs(c.Args)
	if !ok {
		// a property error is already reported for the missing argument
		b.failedCalls[c.Name] = true
		return
	}
	if _, err := b.call(ctx, b.instance, c.Name, args...); err != nil {
		b.failedCalls[c.Name] = true
		b.addError(NewBlockError(c.Name, err).WithCode(ErrCodeSetter).WithResource(b.uid))
		return
	}
	delete(b.failedCalls, c.Name)
}

// construct builds the instance, then runs every initializer and every setter.
func (b *BlockEvaluator) construct(ctx context.Context) {
	next := b.next
	if len(b.propErrors) > 0 {
		return
	}
	args, ok := b.callArgs(next.Desc.Args)
	if !ok {
		return
	}

	var ref ObjectRef
	build := func(ctx context.Context) error {
		var err error
		ref, err = b.constructRemote(ctx, next.Desc.Path, args...)
		return err
	}

	var err error
	if next.IsGUIWidget {
		err = b.deps.gui.Run(ctx, build)
	} else {
		err = build(ctx)
	}
	if err != nil {
		b.addError(NewBlockError("construct "+next.Desc.Path, err).WithCode(ErrCodeConstruct).WithResource(b.uid))
		return
	}

	b.instance = ref
	b.pool = ObjectRef{}
	b.portsDirty = true
	b.overlayChecked = time.Time{}
	b.failedCalls = make(map[string]bool)
	b.log.Debug().Str("instance", ref.String()).Str("path", next.Desc.Path).Msg("Instance constructed")

	for _, kind := range []CallKind{CallInitializer, CallSetter} {
		for _, c := range next.Desc.Calls {
			if c.Kind == kind {
				b.invoke(ctx, c)
			}
		}
	}
}

// refreshOverlay re-queries the overlay once it is older than the expiry.
// Instances without an overlay method are remembered as such until expiry.
func (b *BlockEvaluator) refreshOverlay(ctx context.Context) {
	if !b.hasInstance() {
		return
	}
	now := b.deps.clock.Now()
	if !b.overlayChecked.IsZero() && now.Sub(b.overlayChecked) < b.deps.overlayExpiry {
		return
	}
	b.overlayChecked = now

	raw, err := b.call(ctx, b.instance, "overlay")
	switch {
	case err == nil:
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			raw = nil
		}
		b.overlay = raw
	case IsNotImplemented(err):
		b.overlay = nil
	default:
		b.log.Debug().Err(err).Msg("Overlay query failed")
	}
}

func (b *BlockEvaluator) refreshPorts(ctx context.Context) {
	if !b.portsDirty || !b.hasInstance() {
		return
	}
	inputs, err := b.queryPorts(ctx, "inputPorts")
	if err != nil {
		b.addError(NewBlockError("query input ports", err))
		return
	}
	outputs, err := b.queryPorts(ctx, "outputPorts")
	if err != nil {
		b.addError(NewBlockError("query output ports", err))
		return
	}
	b.inputs = inputs
	b.outputs = outputs
	b.portsDirty = false
}

func (b *BlockEvaluator) queryPorts(ctx context.Context, method string) ([]PortDesc, error) {
	raw, err := b.call(ctx, b.instance, method)
	if err != nil {
		return nil, err
	}
	var ports []PortDesc
	if err := json.Unmarshal(raw, &ports); err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	return b.colorPorts(ports), nil
}

func (b *BlockEvaluator) colorPorts(ports []PortDesc) []PortDesc {
	out := make([]PortDesc, len(ports))
	for i, p := range ports {
		p.Color = b.deps.cache.TypeColor(p.DType)
		out[i] = p
	}
	return out
}

// assignThreadPool moves the instance onto the zone's pool when it changed.
// A zero pool resets the instance to the environment default.
func (b *BlockEvaluator) assignThreadPool(ctx context.Context) {
	if b.next.IsGUIWidget || !b.hasInstance() || len(b.blockErrors) > 0 || len(b.propErrors) > 0 {
		return
	}
	want := b.poolRef()
	if want == b.pool {
		return
	}

	var arg any
	if !want.IsZero() {
		arg = want
	}
	if _, err := b.call(ctx, b.instance, "setThreadPool", arg); err != nil {
		b.addError(NewBlockError("set thread pool", err).WithCode(ErrCodeSetter))
		return
	}
	b.pool = want
}

// Stats asks the live instance for its runtime statistics. Instances without a
// stats method, or whose environment is gone, report nothing.
func (b *BlockEvaluator) Stats(ctx context.Context) (json.RawMessage, bool) {
	if !b.hasInstance() || !b.env.Alive(b.envGen) {
		return nil, false
	}
	raw, err := b.env.Env().Call(ctx, b.instance, "stats")
	if err != nil {
		if !IsNotImplemented(err) {
			b.log.Debug().Err(err).Msg("Stats query failed")
		}
		return nil, false
	}
	return raw, true
}

// Status builds the status record. topologyError is the sticky topology failure
// message if this block is implicated in it.
func (b *BlockEvaluator) Status(topologyError string) BlockStatus {
	blockErrs, propErrs := errorLayers{
		environment: b.envError,
		topology:    topologyError,
		block:       b.blockErrors,
		property:    b.propErrors,
	}.resolve()

	st := BlockStatus{
		UID:            b.uid,
		DisplayID:      b.last.DisplayID,
		Ready:          b.Ready(),
		BlockErrors:    blockErrs,
		PropertyErrors: propErrs,
		PropertyTypes:  cloneStrings(b.propTypes),
		Inputs:         b.inputs,
		Outputs:        b.outputs,
		Overlay:        b.overlay,
	}
	if !b.hasInstance() {
		st.Inputs = b.colorPorts(b.last.Desc.Inputs)
		st.Outputs = b.colorPorts(b.last.Desc.Outputs)
	}
	if b.last.IsGUIWidget && b.hasInstance() {
		w := b.instance
		st.Widget = &w
	}
	return st
}
