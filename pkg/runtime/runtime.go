// Package runtime implements the asynchronous inference dispatch pipeline:
// producers submit single-tensor input bundles, a dedicated worker awaits
// device completions, and consumers receive portable output bundles.
//
// The pipeline is three stages joined by two bounded queues:
//
//	Submit → in-flight queue → completion worker → output queue → Receive
//
// A fixed pool of scratch buffers caps the number of concurrently in-flight
// jobs; submitters block on checkout when the device is saturated, which is
// the backpressure mechanism. Shutdown is cooperative through a single done
// channel observed by every blocking wait.
package runtime

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/accelkit/npu-dispatch/pkg/engine"
	"github.com/accelkit/npu-dispatch/pkg/tensor"
)

const (
	// defaultQueueCapacity bounds the in-flight and output handoffs.
	defaultQueueCapacity = 100
	// defaultBuffersPerDevice is the observed upper bound on concurrent
	// jobs one device accepts; the scratch pool must not exceed it.
	defaultBuffersPerDevice = 10
)

// Options tunes a Runtime. The zero value selects the defaults.
type Options struct {
	// QueueCapacity bounds each of the two pipeline queues. Default 100.
	QueueCapacity int
	// BuffersPerDevice scales the scratch pool: pool capacity is
	// DeviceCount × BuffersPerDevice. Default 10.
	BuffersPerDevice int
}

func (o Options) withDefaults() Options {
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = defaultQueueCapacity
	}
	if o.BuffersPerDevice <= 0 {
		o.BuffersPerDevice = defaultBuffersPerDevice
	}
	return o
}

// jobRecord rides the in-flight queue: the engine handle, the checked-out
// scratch buffer, and the input bundle the runtime now owns.
type jobRecord struct {
	id      engine.JobID
	scratch []byte
	input   *tensor.Bundle
}

// completedJob rides the output queue: the native output descriptors and the
// scratch buffer they point into.
type completedJob struct {
	outputs []engine.Output
	scratch []byte
}

// Runtime owns one engine, its scratch pool, both pipeline queues and the
// completion worker. Safe for concurrent producers and consumers.
type Runtime struct {
	eng         engine.Engine
	pool        *scratchPool
	inflight    *bounded[jobRecord]
	completed   *bounded[completedJob]
	outputSizes []int

	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	submitted atomic.Int64
	finished  atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	delivered atomic.Int64
}

// Open wires a pipeline around eng and starts the completion worker. The
// engine must already have its model loaded; Open reads the device count,
// scratch size and per-output sizes from it.
func Open(eng engine.Engine, opts Options) (*Runtime, error) {
	opts = opts.withDefaults()

	devices := eng.DeviceCount()
	if devices <= 0 {
		return nil, fmt.Errorf("engine reports %d devices: %w", devices, ErrModelLoad)
	}
	scratchSize := eng.OutputScratchSize()
	if scratchSize <= 0 {
		return nil, fmt.Errorf("engine reports output scratch size %d: %w", scratchSize, ErrModelLoad)
	}
	sizes := eng.OutputTensorSizes()
	if len(sizes) == 0 {
		return nil, fmt.Errorf("engine reports no output tensors: %w", ErrModelLoad)
	}

	done := make(chan struct{})
	pool, err := newScratchPool(devices*opts.BuffersPerDevice, scratchSize, done)
	if err != nil {
		return nil, fmt.Errorf("scratch pool: %w", err)
	}

	r := &Runtime{
		eng:         eng,
		pool:        pool,
		inflight:    newBounded[jobRecord](opts.QueueCapacity, done),
		completed:   newBounded[completedJob](opts.QueueCapacity, done),
		outputSizes: append([]int(nil), sizes...),
		done:        done,
	}

	r.wg.Add(1)
	go r.completionLoop()

	klog.V(1).Infof("pipeline started: engine=%s devices=%d scratch=%dB pool=%d queue=%d outputs=%d",
		eng.Name(), devices, scratchSize, pool.total, opts.QueueCapacity, len(sizes))
	return r, nil
}

// Submit validates in and hands it to the engine. On success the runtime owns
// in and the caller must not touch it again; the matching output arrives
// through Receive in submission order. On ErrInvalidShape the bundle is
// untouched and stays with the caller. On ErrSubmission the runtime has taken
// ownership.
//
// Submit blocks while all scratch buffers are in flight; that is the
// intended backpressure when the device is saturated.
func (r *Runtime) Submit(in *tensor.Bundle) error {
	if r.closed.Load() {
		return fmt.Errorf("submit after close: %w", ErrClosed)
	}
	if in == nil {
		return fmt.Errorf("missing input bundle: %w", ErrInvalidShape)
	}
	if in.Len() != 1 {
		return fmt.Errorf("input bundle holds %d tensors, want 1: %w", in.Len(), ErrInvalidShape)
	}

	scratch, ok := r.pool.checkout()
	if !ok {
		return fmt.Errorf("submit during shutdown: %w", ErrClosed)
	}

	id, err := r.eng.Submit(in.Tensors[0].Data, scratch)
	if err != nil {
		r.pool.put(scratch)
		r.failed.Add(1)
		in.Release()
		return fmt.Errorf("engine submit: %v: %w", err, ErrSubmission)
	}

	if !r.inflight.push(jobRecord{id: id, scratch: scratch, input: in}) {
		// Shutdown raced the handoff. The job is already on the device and
		// may still write into scratch, so retire the buffer instead of
		// pooling it.
		r.pool.discard(scratch)
		r.dropped.Add(1)
		in.Release()
		return fmt.Errorf("submit during shutdown: %w", ErrClosed)
	}

	r.submitted.Add(1)
	return nil
}

// completionLoop is the single worker that drains the in-flight queue,
// blocks on the engine until each job completes, and stages results for
// Receive. Completion order equals submission order for the engines this
// runtime fronts, so the output queue preserves FIFO end to end.
func (r *Runtime) completionLoop() {
	defer r.wg.Done()
	for {
		rec, ok := r.inflight.pop()
		if !ok {
			return
		}

		outputs, err := r.eng.Wait(rec.id)
		if err != nil {
			// The job is dropped, not retried. Keep draining.
			klog.Errorf("wait for job %d: %v", rec.id, err)
			rec.input.Release()
			r.pool.put(rec.scratch)
			r.failed.Add(1)
			continue
		}

		rec.input.Release()

		if !r.completed.push(completedJob{outputs: outputs, scratch: rec.scratch}) {
			r.pool.discard(rec.scratch)
			r.dropped.Add(1)
			continue
		}
		r.finished.Add(1)
	}
}

// Receive pops the next completed job, materializes a portable bundle from
// its native descriptors and hands the bundle to the caller, who owns it. A
// non-positive timeout blocks until a result arrives or shutdown drains the
// pipeline; otherwise ErrNoResult is returned on expiry.
func (r *Runtime) Receive(timeout time.Duration) (*tensor.Bundle, error) {
	job, ok := r.completed.popWait(timeout)
	if !ok {
		return nil, fmt.Errorf("receive: %w", ErrNoResult)
	}

	if len(job.outputs) != len(r.outputSizes) {
		r.pool.put(job.scratch)
		r.failed.Add(1)
		return nil, fmt.Errorf("engine yielded %d outputs, model declares %d: %w",
			len(job.outputs), len(r.outputSizes), ErrCompletion)
	}

	out := tensor.New(len(job.outputs))
	for i, desc := range job.outputs {
		t := &out.Tensors[i]
		t.Name = desc.Name
		t.Type = desc.Type.Element()
		t.Shape = append([]int64(nil), desc.Shape...)
		// The engine-reported per-output size is authoritative; the
		// descriptor's view is only valid until the scratch buffer is
		// reused, so the bytes are copied out here.
		t.Data = make([]byte, r.outputSizes[i])
		copy(t.Data, desc.Data)
	}

	r.pool.put(job.scratch)
	r.delivered.Add(1)
	return out, nil
}

// Close shuts the pipeline down: it wakes every blocked wait, drains both
// queues, joins the worker, drains the scratch pool and closes the engine.
// Every resource is released exactly once; inputs still in flight are
// dropped. A second Close reports ErrClosed and touches nothing.
func (r *Runtime) Close() error {
	if r.closed.Swap(true) {
		return ErrClosed
	}
	close(r.done)

	// Jobs still queued for the worker: the device may yet write into their
	// scratch regions, so the buffers are retired directly.
	r.inflight.drain(func(rec jobRecord) {
		rec.input.Release()
		r.pool.discard(rec.scratch)
		r.dropped.Add(1)
	})

	r.wg.Wait()

	// Results nobody received.
	r.completed.drain(func(job completedJob) {
		r.pool.discard(job.scratch)
		r.dropped.Add(1)
	})

	leaked := r.pool.drainPool()

	err := r.eng.Close()
	if err != nil {
		klog.Errorf("engine close: %v", err)
	}

	klog.V(1).Infof("pipeline stopped: submitted=%d finished=%d delivered=%d failed=%d dropped=%d leaked=%d",
		r.submitted.Load(), r.finished.Load(), r.delivered.Load(),
		r.failed.Load(), r.dropped.Load(), leaked)

	if leaked > 0 {
		return fmt.Errorf("%d scratch buffer(s) leaked: %w", leaked, ErrAllocation)
	}
	return err
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	Submitted       int64 `json:"submitted"`
	Finished        int64 `json:"finished"`
	Delivered       int64 `json:"delivered"`
	Failed          int64 `json:"failed"`
	Dropped         int64 `json:"dropped"`
	InFlightDepth   int   `json:"in_flight_depth"`
	PendingResults  int   `json:"pending_results"`
	PoolAvailable   int   `json:"pool_available"`
	PoolCheckedOut  int   `json:"pool_checked_out"`
	PoolCapacity    int   `json:"pool_capacity"`
	OutputScratchB  int   `json:"output_scratch_bytes"`
	Devices         int   `json:"devices"`
	OutputTensorCnt int   `json:"output_tensors"`
}

// Snapshot returns current pipeline counters.
func (r *Runtime) Snapshot() Stats {
	return Stats{
		Submitted:       r.submitted.Load(),
		Finished:        r.finished.Load(),
		Delivered:       r.delivered.Load(),
		Failed:          r.failed.Load(),
		Dropped:         r.dropped.Load(),
		InFlightDepth:   r.inflight.len(),
		PendingResults:  r.completed.len(),
		PoolAvailable:   r.pool.available(),
		PoolCheckedOut:  r.pool.checkedOut(),
		PoolCapacity:    r.pool.total,
		OutputScratchB:  r.pool.size,
		Devices:         r.eng.DeviceCount(),
		OutputTensorCnt: len(r.outputSizes),
	}
}
