package engine

import "context"

// InlineGUI runs widget construction directly on the calling goroutine. It is
// the executor for headless use.
type InlineGUI struct{}

// Run calls fn.
func (InlineGUI) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type guiRequest struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan error
}

// GUILoop hands functions to a front-end goroutine that calls Serve. Each Run is
// a single request/response pair; fn must not call back into the engine.
type GUILoop struct {
	requests chan guiRequest
}

// NewGUILoop creates a loop with no pending requests.
func NewGUILoop() *GUILoop {
	return &GUILoop{requests: make(chan guiRequest)}
}

// Run blocks until the front-end goroutine has executed fn or ctx ends.
func (g *GUILoop) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	req := guiRequest{ctx: ctx, fn: fn, reply: make(chan error, 1)}
	select {
	case g.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve executes requests on the calling goroutine until ctx ends.
func (g *GUILoop) Serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-g.requests:
			req.reply <- req.fn(req.ctx)
		}
	}
}

// Poll executes at most one pending request without blocking and reports whether
// it did. Front ends with their own event loop call it from a timer.
func (g *GUILoop) Poll() bool {
	select {
	case req := <-g.requests:
		req.reply <- req.fn(req.ctx)
		return true
	default:
		return false
	}
}
