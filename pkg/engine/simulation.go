package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// SimOutput describes one output tensor the simulated device produces.
type SimOutput struct {
	Name  string
	Type  DataType
	Shape []int64
}

func (o SimOutput) byteSize() int {
	n := int64(o.Type.Element().ByteSize())
	for _, d := range o.Shape {
		n *= d
	}
	return int(n)
}

// SimConfig tunes the simulated accelerator.
type SimConfig struct {
	// Devices is the number of simulated devices. Default 1.
	Devices int
	// Delay is the simulated device-side execution time per job. Default 2ms.
	Delay time.Duration
	// Outputs overrides the produced output set. Default: "scores"
	// float32[1,8] and "labels" uint8[16].
	Outputs []SimOutput
	// FailSubmit makes every Submit call return an error.
	FailSubmit bool
	// FailWaitOn marks job handles whose Wait fails. Handles are assigned
	// sequentially from 1, so with a single producer the key is the
	// submission ordinal.
	FailWaitOn map[JobID]bool
}

// Simulated is a deterministic in-process accelerator. Each job completes a
// fixed delay after submission and stages a byte pattern derived from its
// handle into the caller's scratch buffer, so tests can predict output
// content exactly.
type Simulated struct {
	cfg         SimConfig
	outputs     []SimOutput
	sizes       []int
	scratchSize int

	mu     sync.Mutex
	nextID JobID
	jobs   map[JobID]*simJob

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	closed      atomic.Bool
}

type simJob struct {
	scratch []byte
	readyAt time.Time
}

// NewSimulated builds a simulated engine.
func NewSimulated(cfg SimConfig) *Simulated {
	if cfg.Devices <= 0 {
		cfg.Devices = 1
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 2 * time.Millisecond
	}
	outputs := cfg.Outputs
	if len(outputs) == 0 {
		outputs = []SimOutput{
			{Name: "scores", Type: TypeFloat, Shape: []int64{1, 8}},
			{Name: "labels", Type: TypeUint8, Shape: []int64{16}},
		}
	}
	sizes := make([]int, len(outputs))
	total := 0
	for i, o := range outputs {
		sizes[i] = o.byteSize()
		total += sizes[i]
	}
	return &Simulated{
		cfg:         cfg,
		outputs:     outputs,
		sizes:       sizes,
		scratchSize: total,
		jobs:        make(map[JobID]*simJob),
	}
}

func (s *Simulated) Name() string { return "simulation" }

func (s *Simulated) OutputScratchSize() int { return s.scratchSize }

func (s *Simulated) OutputTensorSizes() []int {
	return append([]int(nil), s.sizes...)
}

func (s *Simulated) DeviceCount() int { return s.cfg.Devices }

// InFlight returns the number of submitted jobs not yet waited on.
func (s *Simulated) InFlight() int { return int(s.inFlight.Load()) }

// MaxInFlight returns the high-water mark of concurrently in-flight jobs.
func (s *Simulated) MaxInFlight() int { return int(s.maxInFlight.Load()) }

func (s *Simulated) Submit(input []byte, scratch []byte) (JobID, error) {
	if s.closed.Load() {
		return 0, fmt.Errorf("simulated engine is closed")
	}
	if s.cfg.FailSubmit {
		return 0, fmt.Errorf("simulated submit failure")
	}
	if len(input) == 0 {
		return 0, fmt.Errorf("empty input region")
	}
	if len(scratch) < s.scratchSize {
		return 0, fmt.Errorf("scratch region too small: have %d, need %d", len(scratch), s.scratchSize)
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.jobs[id] = &simJob{
		scratch: scratch,
		readyAt: time.Now().Add(s.cfg.Delay),
	}
	s.mu.Unlock()

	n := s.inFlight.Add(1)
	for {
		max := s.maxInFlight.Load()
		if n <= max || s.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	return id, nil
}

func (s *Simulated) Wait(id JobID) ([]Output, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown job handle %d", id)
	}
	defer s.inFlight.Add(-1)

	if d := time.Until(job.readyAt); d > 0 {
		time.Sleep(d)
	}

	if s.cfg.FailWaitOn[id] {
		return nil, fmt.Errorf("simulated device fault on job %d", id)
	}

	outs := make([]Output, len(s.outputs))
	off := 0
	for i, o := range s.outputs {
		seg := job.scratch[off : off+s.sizes[i]]
		for j := range seg {
			seg[j] = byte(int(id) + i + j)
		}
		outs[i] = Output{
			Name:  o.Name,
			Type:  o.Type,
			Shape: append([]int64(nil), o.Shape...),
			Data:  seg,
		}
		off += s.sizes[i]
	}
	return outs, nil
}

func (s *Simulated) Close() error {
	s.closed.Store(true)
	return nil
}
