package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// EnvironmentHandle owns the lifecycle of one execution environment. A handle is
// shared by every block and thread pool that resolves to its key.
type EnvironmentHandle struct {
	key  EnvironmentKey
	deps *deps
	log  zerolog.Logger

	env        Environment
	generation uint64
	failed     bool
	message    string
}

func newEnvironmentHandle(key EnvironmentKey, d *deps) *EnvironmentHandle {
	return &EnvironmentHandle{
		key:  key,
		deps: d,
		log:  d.logger.With().Str("component", "environment").Str("env", key.String()).Logger(),
	}
}

// Key returns the key the handle was created for.
func (h *EnvironmentHandle) Key() EnvironmentKey { return h.key }

// Env returns the attached environment, or nil while failed.
func (h *EnvironmentHandle) Env() Environment { return h.env }

// Generation increments every time a fresh environment is attached. Object
// references from an older generation are dead.
func (h *EnvironmentHandle) Generation() uint64 { return h.generation }

// Failed reports whether the last update left the handle without an environment.
func (h *EnvironmentHandle) Failed() bool { return h.failed }

// Message is the failure message while Failed.
func (h *EnvironmentHandle) Message() string { return h.message }

// Update probes the cached environment and attaches a fresh one when the probe
// fails or nothing is cached. It is called once per cycle and is the only
// automatic retry in the engine.
func (h *EnvironmentHandle) Update(ctx context.Context) {
	if h.env != nil {
		err := h.env.Ping(ctx)
		if err == nil {
			h.setHealthy(ctx)
			return
		}
		h.log.Debug().Err(err).Msg("Liveness probe failed")
		h.detach()
	}

	env, err := h.deps.provider.Attach(ctx, h.key)
	if err != nil {
		h.setFailed(ctx, h.classify(ctx, err))
		return
	}

	h.env = instrument(env, h.deps.tracker, h.deps.recorder, h.deps.tracer)
	h.generation++
	if r, ok := env.(CapabilityReporter); ok {
		h.deps.cache.SetCapabilities(h.key, r.Capabilities())
	}
	h.log.Info().Uint64("generation", h.generation).Msg("Environment attached")
	h.deps.recorder.RecordEnvironmentState(h.key.String(), true)
	h.setHealthy(ctx)
}

// Verify re-probes the environment after a call failed mid-cycle. It returns
// false and enters the failure state if the environment is gone.
func (h *EnvironmentHandle) Verify(ctx context.Context) bool {
	if h.env == nil {
		return false
	}
	if err := h.env.Ping(ctx); err != nil {
		h.detach()
		h.setFailed(ctx, h.classify(ctx, err))
		return false
	}
	return true
}

// Alive reports whether objects created in generation gen are still reachable.
func (h *EnvironmentHandle) Alive(gen uint64) bool {
	return h != nil && h.env != nil && !h.failed && h.generation == gen
}

// Close detaches the environment. The handle must not be used afterwards.
func (h *EnvironmentHandle) Close() {
	h.detach()
	h.deps.cache.ForgetCapabilities(h.key)
}

func (h *EnvironmentHandle) detach() {
	if h.env == nil {
		return
	}
	if err := h.env.Close(); err != nil {
		h.log.Debug().Err(err).Msg("Error closing environment")
	}
	h.env = nil
}

// classify turns an attach or probe failure into a host-offline or process-crashed
// error by trying a raw connection to the host.
func (h *EnvironmentHandle) classify(ctx context.Context, cause error) *EngineError {
	if !h.key.InProcess() {
		if err := h.deps.provider.ProbeHost(ctx, h.key.HostURI); err != nil {
			return NewEnvironmentError(fmt.Sprintf("host offline: %s", h.key.HostURI), err).
				WithCode(ErrCodeHostOffline).
				WithResource(h.key.String())
		}
	}
	return NewEnvironmentError(fmt.Sprintf("process crashed: %s", h.key), cause).
		WithCode(ErrCodeProcessCrashed).
		WithResource(h.key.String())
}

// setFailed enters the failure state. Only transitions are logged and journaled.
func (h *EnvironmentHandle) setFailed(ctx context.Context, err *EngineError) {
	msg := err.Summary()
	if h.failed && h.message == msg {
		return
	}
	h.failed = true
	h.message = msg

	h.log.Error().Str("code", err.Code).Msg(msg)
	h.deps.recorder.RecordEnvironmentState(h.key.String(), false)
	h.deps.journalEvent(ctx, h.log, JournalEvent{
		Kind:    EventEnvironmentFailed,
		Subject: h.key.String(),
		Message: msg,
	})
}

func (h *EnvironmentHandle) setHealthy(ctx context.Context) {
	if !h.failed {
		return
	}
	h.failed = false
	h.message = ""

	h.log.Info().Msg("Environment recovered")
	h.deps.recorder.RecordEnvironmentState(h.key.String(), true)
	h.deps.journalEvent(ctx, h.log, JournalEvent{
		Kind:    EventEnvironmentRecovered,
		Subject: h.key.String(),
	})
}
