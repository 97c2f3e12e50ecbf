package engine

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// instrumentedEnvironment decorates an environment with action markers, spans and
// call metrics.
type instrumentedEnvironment struct {
	Environment
	tracker  *ActionTracker
	recorder Recorder
	tracer   trace.Tracer
}

func instrument(env Environment, tracker *ActionTracker, recorder Recorder, tracer trace.Tracer) Environment {
	return &instrumentedEnvironment{Environment: env, tracker: tracker, recorder: recorder, tracer: tracer}
}

// observe runs fn as the remote operation op; detail names its target.
func (e *instrumentedEnvironment) observe(ctx context.Context, op, detail string, fn func(ctx context.Context) error) {
	name := e.Environment.Name()
	pop := e.tracker.Push(name + " " + op + " " + detail)
	defer pop()

	ctx, span := e.tracer.Start(ctx, "remote."+op, trace.WithAttributes(
		attribute.String("environment", name),
		attribute.String("target", detail),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	e.recorder.RecordRemoteCall(name, op, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (e *instrumentedEnvironment) Ping(ctx context.Context) error {
	var err error
	e.observe(ctx, "ping", "", func(ctx context.Context) error {
		err = e.Environment.Ping(ctx)
		return err
	})
	return err
}

func (e *instrumentedEnvironment) Construct(ctx context.Context, path string, args ...any) (ObjectRef, error) {
	var (
		ref ObjectRef
		err error
	)
	e.observe(ctx, "construct", path, func(ctx context.Context) error {
		ref, err = e.Environment.Construct(ctx, path, args...)
		return err
	})
	return ref, err
}

func (e *instrumentedEnvironment) Call(ctx context.Context, obj ObjectRef, method string, args ...any) (json.RawMessage, error) {
	var (
		out json.RawMessage
		err error
	)
	e.observe(ctx, method, obj.String(), func(ctx context.Context) error {
		out, err = e.Environment.Call(ctx, obj, method, args...)
		return err
	})
	return out, err
}

func (e *instrumentedEnvironment) Release(ctx context.Context, obj ObjectRef) error {
	var err error
	e.observe(ctx, "release", obj.String(), func(ctx context.Context) error {
		err = e.Environment.Release(ctx, obj)
		return err
	})
	return err
}

// Capabilities forwards to the wrapped environment when it reports any.
func (e *instrumentedEnvironment) Capabilities() []string {
	if r, ok := e.Environment.(CapabilityReporter); ok {
		return r.Capabilities()
	}
	return nil
}
