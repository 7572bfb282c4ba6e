package host

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cwbudde/siftcl/internal/compute"
)

// Event is the completion handle of an enqueued command.
type Event struct {
	done       chan struct{}
	err        error
	start, end int64
	profiled   bool
}

var _ compute.Event = (*Event)(nil)

// Wait blocks until the command finished.
func (e *Event) Wait() error {
	<-e.done
	return e.err
}

// Times returns the execution interval in nanoseconds.
func (e *Event) Times() (int64, int64, error) {
	<-e.done
	if !e.profiled {
		return 0, 0, compute.NewStatusError("Times", compute.StatusProfilingInfoUnavailable)
	}
	return e.start, e.end, nil
}

type command struct {
	op  string
	run func() error
	ev  *Event
}

// Queue executes commands in submission order on a single worker goroutine.
// Once a command fails every later command is skipped with the same error
// until the failure is collected by Finish.
type Queue struct {
	ctx     *Context
	profile bool
	cmds    chan command
	done    chan struct{}

	mu       sync.Mutex
	released bool

	errMu  sync.Mutex
	sticky error
}

var _ compute.Queue = (*Queue)(nil)

func newQueue(ctx *Context, profile bool) *Queue {
	q := &Queue{
		ctx:     ctx,
		profile: profile,
		cmds:    make(chan command, 256),
		done:    make(chan struct{}),
	}
	go q.worker()
	return q
}

func (q *Queue) worker() {
	defer close(q.done)
	epoch := time.Now()
	for cmd := range q.cmds {
		q.errMu.Lock()
		sticky := q.sticky
		q.errMu.Unlock()

		if sticky != nil {
			cmd.ev.err = sticky
			close(cmd.ev.done)
			continue
		}

		start := time.Since(epoch).Nanoseconds()
		err := safeRun(cmd.op, cmd.run)
		end := time.Since(epoch).Nanoseconds()

		if err != nil {
			slog.Debug("host queue command failed", "op", cmd.op, "error", err)
			q.errMu.Lock()
			q.sticky = err
			q.errMu.Unlock()
		}
		cmd.ev.err = err
		cmd.ev.start, cmd.ev.end = start, end
		cmd.ev.profiled = q.profile
		close(cmd.ev.done)
	}
}

func safeRun(op string, run func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", compute.NewStatusError(op, compute.StatusOutOfResources), r)
		}
	}()
	return run()
}

func (q *Queue) enqueue(op string, run func() error) (*Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return nil, fmt.Errorf("%s: %w", op, compute.ErrReleased)
	}
	ev := &Event{done: make(chan struct{})}
	q.cmds <- command{op: op, run: run, ev: ev}
	return ev, nil
}

// Write copies a typed host slice into dst. The slice is captured at
// enqueue time.
func (q *Queue) Write(dst compute.Buffer, src any) (compute.Event, error) {
	b, err := asBuffer(q.ctx, dst, "Write")
	if err != nil {
		return nil, err
	}
	raw, err := hostBytes(src)
	if err != nil {
		return nil, err
	}
	if len(raw) > b.Size() {
		return nil, compute.NewStatusError("Write", compute.StatusInvalidValue)
	}
	data := append([]byte(nil), raw...)
	return q.enqueue("Write", func() error {
		copy(b.bytes(), data)
		return nil
	})
}

// Read waits for earlier commands and copies src into the typed slice dst.
func (q *Queue) Read(dst any, src compute.Buffer) (compute.Event, error) {
	b, err := asBuffer(q.ctx, src, "Read")
	if err != nil {
		return nil, err
	}
	raw, err := hostBytes(dst)
	if err != nil {
		return nil, err
	}
	if len(raw) > b.Size() {
		return nil, compute.NewStatusError("Read", compute.StatusInvalidValue)
	}
	ev, err := q.enqueue("Read", func() error {
		copy(raw, b.bytes())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, ev.Wait()
}

// Copy enqueues a device-to-device copy.
func (q *Queue) Copy(dst, src compute.Buffer) (compute.Event, error) {
	d, err := asBuffer(q.ctx, dst, "Copy")
	if err != nil {
		return nil, err
	}
	s, err := asBuffer(q.ctx, src, "Copy")
	if err != nil {
		return nil, err
	}
	return q.enqueue("Copy", func() error {
		copy(d.bytes(), s.bytes())
		return nil
	})
}

// Run validates the ND-range and arguments, then enqueues the kernel.
func (q *Queue) Run(k compute.Kernel, global, local []int, args ...any) (compute.Event, error) {
	kern, ok := k.(*Kernel)
	if !ok || kern.prog.ctx != q.ctx {
		return nil, compute.NewStatusError("Run", compute.StatusInvalidKernelArgs)
	}
	op := kern.prog.name + "." + kern.name
	if kern.prog.released.Load() {
		return nil, fmt.Errorf("%s: %w", op, compute.ErrReleased)
	}
	if err := q.validateRange(op, global, local); err != nil {
		return nil, err
	}
	for _, name := range q.ctx.cfg.FailDispatch {
		if name == kern.prog.name {
			return nil, compute.NewStatusError(op, compute.StatusOutOfResources)
		}
	}

	call := &Call{
		Kernel:  op,
		Global:  append([]int(nil), global...),
		Local:   append([]int(nil), local...),
		defines: kern.prog.defines,
		args:    make([]any, len(args)),
	}
	for i, a := range args {
		switch v := a.(type) {
		case compute.Buffer:
			b, err := asBuffer(q.ctx, v, op)
			if err != nil {
				return nil, err
			}
			call.args[i] = b
		case int32, uint32, float32:
			call.args[i] = v
		default:
			return nil, fmt.Errorf("%w: %w: argument %d of type %T",
				compute.NewStatusError(op, compute.StatusInvalidArgValue), compute.ErrUnsupportedArg, i, a)
		}
	}

	q.ctx.countDispatch(kern.prog.name)
	return q.enqueue(op, func() error {
		if err := kern.fn(call); err != nil {
			return err
		}
		return call.err
	})
}

func (q *Queue) validateRange(op string, global, local []int) error {
	if len(global) == 0 || len(global) > 3 || len(global) != len(local) {
		return compute.NewStatusError(op, compute.StatusInvalidWorkDimension)
	}
	dev := q.ctx.info
	total := 1
	for i := range global {
		if local[i] <= 0 || global[i] <= 0 || global[i]%local[i] != 0 {
			return compute.NewStatusError(op, compute.StatusInvalidWorkGroupSize)
		}
		if local[i] > dev.MaxWorkItemSize(i) {
			return compute.NewStatusError(op, compute.StatusInvalidWorkItemSize)
		}
		total *= local[i]
	}
	if total > dev.MaxWorkGroupSize {
		return compute.NewStatusError(op, compute.StatusInvalidWorkGroupSize)
	}
	return nil
}

// Finish drains the queue and returns, then clears, the first failure.
func (q *Queue) Finish() error {
	ev, err := q.enqueue("Finish", func() error { return nil })
	if err != nil {
		return err
	}
	_ = ev.Wait()
	q.errMu.Lock()
	defer q.errMu.Unlock()
	err, q.sticky = q.sticky, nil
	return err
}

// Release drains and stops the worker.
func (q *Queue) Release() error {
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return nil
	}
	q.released = true
	close(q.cmds)
	q.mu.Unlock()
	<-q.done
	return nil
}
