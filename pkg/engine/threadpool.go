package engine

import (
	"context"

	"github.com/rs/zerolog"
)

// threadPoolPath is the factory path of the thread pool object.
const threadPoolPath = "/framework/ThreadPool"

// ThreadPoolHandle caches the thread pool built for one zone.
type ThreadPoolHandle struct {
	zone string
	deps *deps
	log  zerolog.Logger

	// inputs of the last build
	built  bool
	config ZoneConfig
	env    *EnvironmentHandle
	envGen uint64

	pool    ObjectRef
	failed  bool
	message string
}

func newThreadPoolHandle(zone string, d *deps) *ThreadPoolHandle {
	return &ThreadPoolHandle{
		zone: zone,
		deps: d,
		log:  d.logger.With().Str("component", "threadpool").Str("zone", zone).Logger(),
	}
}

// Pool returns the pool reference, zero when unavailable.
func (p *ThreadPoolHandle) Pool() ObjectRef { return p.pool }

// Failed reports whether the last build failed.
func (p *ThreadPoolHandle) Failed() bool { return p.failed }

// Message is the build failure text.
func (p *ThreadPoolHandle) Message() string { return p.message }

// Update rebuilds the pool when the environment identity or the zone config
// changed since the last build. A failed build is not retried until one of them
// changes again.
func (p *ThreadPoolHandle) Update(ctx context.Context, env *EnvironmentHandle, cfg ZoneConfig) {
	if p.built && p.env == env && p.envGen == env.Generation() && p.config == cfg {
		return
	}

	if env.Failed() {
		// nothing to build in; the environment's own failure is reported instead
		p.pool = ObjectRef{}
		p.failed = false
		p.message = ""
		p.built = false
		return
	}

	p.release(ctx)
	p.built = true
	p.config = cfg
	p.env = env
	p.envGen = env.Generation()

	ref, err := env.Env().Construct(ctx, threadPoolPath, cfg.poolArgs())
	if err != nil {
		p.pool = ObjectRef{}
		p.fail(ctx, err)
		return
	}

	p.pool = ref
	if p.failed {
		p.log.Info().Msg("Thread pool rebuilt")
	}
	p.failed = false
	p.message = ""
	p.log.Debug().Str("pool", ref.String()).Int("threads", cfg.ThreadCount).Msg("Thread pool built")
}

// release frees the previous pool if its environment is still the one it was
// built in.
func (p *ThreadPoolHandle) release(ctx context.Context) {
	if p.pool.IsZero() || !p.env.Alive(p.envGen) {
		p.pool = ObjectRef{}
		return
	}
	if err := p.env.Env().Release(ctx, p.pool); err != nil {
		p.log.Debug().Err(err).Msg("Error releasing thread pool")
	}
	p.pool = ObjectRef{}
}

// Close releases the pool.
func (p *ThreadPoolHandle) Close(ctx context.Context) {
	p.release(ctx)
	p.built = false
}

func (p *ThreadPoolHandle) fail(ctx context.Context, cause error) {
	e := NewBlockError("thread pool", cause).WithCode(ErrCodeThreadPool).WithResource(p.zone)
	p.failed = true
	p.message = e.Summary()

	p.log.Error().Err(cause).Msg("Failed to build thread pool")
	p.deps.journalEvent(ctx, p.log, JournalEvent{
		Kind:    EventThreadPoolFailed,
		Subject: p.zone,
		Message: p.message,
	})
}
