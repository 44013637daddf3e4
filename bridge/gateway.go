package bridge

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// TaskHandler executes one substrate task. Handlers run on pool worker
// goroutines; panics are recovered at the gateway boundary and surfaced
// as RuntimeException errors, never as a caller crash.
type TaskHandler func(task Value) (Value, error)

// taskRequest is a unit of work submitted to the pool.
type taskRequest struct {
	task Value
	done chan taskResult
}

type taskResult struct {
	value Value
	err   error
}

// Gateway owns the lifecycle of a fixed-size pool of worker goroutines
// in the substrate runtime. Each Submit is an atomic, synchronous
// request/response; there is no cancellation primitive, so a hung
// handler hangs its caller.
type Gateway struct {
	mu       sync.Mutex
	running  bool
	workers  int
	requests chan taskRequest
	quit     chan struct{}
	group    *errgroup.Group

	// submitters counts Submit calls that passed the running check.
	// Shutdown keeps draining until every one of them has returned, so
	// a request enqueued while the workers were already gone still gets
	// its reply.
	submitters sync.WaitGroup

	handlerMu sync.RWMutex
	handlers  map[string]TaskHandler
}

// NewGateway creates a stopped gateway with the built-in echo handler
// registered.
func NewGateway() *Gateway {
	g := &Gateway{
		handlers: make(map[string]TaskHandler),
	}
	g.Register("echo", func(task Value) (Value, error) {
		return task, nil
	})
	return g
}

// Register installs a handler for the given operation name.
func (g *Gateway) Register(operation string, h TaskHandler) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	g.handlers[operation] = h
}

// Start launches maxWorkers worker goroutines. Calling Start on a
// running gateway returns success without creating a second pool; a
// differing worker count is ignored and the pool keeps its size.
func (g *Gateway) Start(maxWorkers int) error {
	if maxWorkers <= 0 {
		return Errf(CodeNullPointer, "gateway: max workers must be positive, got %d", maxWorkers)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		if maxWorkers != g.workers {
			log.Noticef("gateway already running with %d workers, ignoring request for %d", g.workers, maxWorkers)
		}
		return nil
	}

	g.workers = maxWorkers
	g.requests = make(chan taskRequest, 64)
	g.quit = make(chan struct{})
	g.group = &errgroup.Group{}

	requests := g.requests
	quit := g.quit
	for i := 0; i < maxWorkers; i++ {
		g.group.Go(func() error {
			g.workerLoop(requests, quit)
			return nil
		})
	}

	g.running = true
	log.Infof("gateway started with %d workers", maxWorkers)
	return nil
}

// Running reports whether the pool is live.
func (g *Gateway) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Workers returns the pool size, or 0 when stopped.
func (g *Gateway) Workers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return 0
	}
	return g.workers
}

// workerLoop processes tasks until the gateway shuts down.
func (g *Gateway) workerLoop(requests <-chan taskRequest, quit <-chan struct{}) {
	for {
		select {
		case req := <-requests:
			req.done <- g.execute(req.task)
		case <-quit:
			return
		}
	}
}

// execute dispatches one task, recovering from handler panics.
func (g *Gateway) execute(task Value) (result taskResult) {
	defer func() {
		if r := recover(); r != nil {
			result = taskResult{
				value: NullValue(),
				err:   Errf(CodeRuntimeException, "worker: %v", r),
			}
		}
	}()

	op, err := taskOperation(task)
	if err != nil {
		return taskResult{value: NullValue(), err: err}
	}

	g.handlerMu.RLock()
	handler, ok := g.handlers[op]
	g.handlerMu.RUnlock()
	if !ok {
		return taskResult{
			value: NullValue(),
			err:   Errf(CodeRuntimeException, "worker: unknown operation %q", op),
		}
	}

	value, err := handler(task)
	if err != nil {
		// The handler's error crosses back untouched, text and code
		// intact.
		return taskResult{value: NullValue(), err: err}
	}
	return taskResult{value: value, err: nil}
}

// taskOperation extracts the "operation" key from a task object.
func taskOperation(task Value) (string, error) {
	if task.Kind != KindObject {
		return "", Errf(CodeRuntimeException, "worker: task must be a JSON object, got %v", task.Kind)
	}
	op, ok := task.Obj["operation"]
	if !ok || op.Kind != KindString {
		return "", Errf(CodeRuntimeException, "worker: task has no string \"operation\" key")
	}
	return op.Str, nil
}

// Submit blocks the caller until a worker produces a result or raises.
// Worker exceptions come back as RuntimeException errors with the
// original message preserved.
func (g *Gateway) Submit(task Value) (Value, error) {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return NullValue(), Errf(CodeNotInitialized, "gateway: submit before initialize")
	}
	g.submitters.Add(1)
	requests := g.requests
	quit := g.quit
	g.mu.Unlock()
	defer g.submitters.Done()

	req := taskRequest{task: task, done: make(chan taskResult, 1)}
	select {
	case requests <- req:
	case <-quit:
		return NullValue(), Errf(CodeNotInitialized, "gateway: shut down while submitting")
	}

	result := <-req.done
	return result.value, result.err
}

// Shutdown drains and terminates all workers. It always succeeds from
// the caller's perspective; subsequent Submit calls fail with
// NotInitialized until the gateway is started again.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	quit := g.quit
	group := g.group
	requests := g.requests
	g.mu.Unlock()

	close(quit)
	group.Wait()

	// Fail any request that was queued but never picked up, so its
	// caller is not left blocked forever. The drain runs until every
	// in-flight Submit has returned: a submitter can still win the
	// enqueue race after quit closes, and a one-shot drain would strand
	// it.
	idle := make(chan struct{})
	go func() {
		g.submitters.Wait()
		close(idle)
	}()
	for {
		select {
		case req := <-requests:
			req.done <- taskResult{
				value: NullValue(),
				err:   Errf(CodeNotInitialized, "gateway: shut down before task ran"),
			}
		case <-idle:
			log.Info("gateway stopped")
			return
		}
	}
}
