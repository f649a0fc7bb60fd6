package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// queueDepth bounds each inter-processor queue. Producers block when a
// downstream stage falls behind; that backpressure is what keeps the
// pipeline cooperative.
const queueDepth = 128

// Push hands a frame to the next stage. Processors call it zero or more
// times per input frame.
type Push func(Frame)

// Processor is one stage of the pipeline. Process receives every frame in
// order and forwards whatever the next stage should see. Returning an error
// aborts the whole task.
type Processor interface {
	Name() string
	Process(ctx context.Context, f Frame, out Push) error
}

// starter is implemented by processors that need the task handle (to inject
// frames at the head from timers or provider callbacks).
type starter interface {
	attach(t *Task)
}

// Task runs a processor chain over bounded queues, one goroutine per stage.
// Frames are strictly ordered per edge.
type Task struct {
	procs  []Processor
	head   chan Frame
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTask assembles a pipeline from its stages in order.
func NewTask(logger *slog.Logger, procs ...Processor) *Task {
	return &Task{
		procs:  procs,
		head:   make(chan Frame, queueDepth),
		logger: logger.With("component", "pipeline"),
		done:   make(chan struct{}),
	}
}

// Push injects a frame at the head of the pipeline. Transports and the
// engine use it for inbound audio and control frames. Safe for concurrent
// use; drops frames once the task has stopped.
func (t *Task) Push(f Frame) {
	select {
	case t.head <- f:
	case <-t.done:
	}
}

// Cancel aborts the task without draining.
func (t *Task) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Done is closed when the task has fully stopped.
func (t *Task) Done() <-chan struct{} { return t.done }

// Run executes the pipeline until an EndFrame drains through the final
// stage, a CancelFrame arrives, or ctx is cancelled.
func (t *Task) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	defer cancel()
	defer close(t.done)

	for _, p := range t.procs {
		if s, ok := p.(starter); ok {
			s.attach(t)
		}
	}

	// Wire the queues: head -> p0 -> q0 -> p1 -> ... -> tail.
	in := t.head
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range t.procs {
		next := make(chan Frame, queueDepth)
		g.Go(t.stage(ctx, p, in, next))
		in = next
	}
	tail := in

	// The sink consumes whatever the last stage forwards and stops the task
	// when the EndFrame has drained all the way through.
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case f, ok := <-tail:
				if !ok {
					return nil
				}
				switch f.(type) {
				case EndFrame, CancelFrame:
					cancel()
					return nil
				}
			}
		}
	})

	t.Push(StartFrame{})

	// Stages swallow context cancellation, so Wait only reports genuine
	// processor failures.
	return g.Wait()
}

func (t *Task) stage(ctx context.Context, p Processor, in <-chan Frame, next chan<- Frame) func() error {
	return func() error {
		defer close(next)
		out := func(f Frame) {
			select {
			case next <- f:
			case <-ctx.Done():
			}
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case f, ok := <-in:
				if !ok {
					return nil
				}
				if _, isCancel := f.(CancelFrame); isCancel {
					// Cancellation bypasses processor logic and propagates
					// straight to the sink.
					out(f)
					continue
				}
				if err := p.Process(ctx, f, out); err != nil {
					t.logger.Error("processor failed", "processor", p.Name(), "error", err)
					return fmt.Errorf("pipeline: %s: %w", p.Name(), err)
				}
			}
		}
	}
}

// Passthrough forwards every frame unchanged. Embed it to implement only the
// frames a processor cares about.
type Passthrough struct{}

func (Passthrough) Process(_ context.Context, f Frame, out Push) error {
	out(f)
	return nil
}
