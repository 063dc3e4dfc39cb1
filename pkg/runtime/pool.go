package runtime

import (
	"fmt"
	"sync/atomic"

	"k8s.io/klog/v2"
)

// scratchPool holds the fixed-size output staging buffers shared between the
// submitter and the completion worker. Capacity bounds the number of
// concurrently in-flight jobs: checkout blocks when every buffer is out,
// which is the pipeline's backpressure point.
//
// Every buffer is single-owner at every instant. The handoff path is
// pool → job record → completed job → receiver → pool, and each checkout is
// balanced by exactly one put or discard on every termination path.
type scratchPool struct {
	buffers chan []byte
	size    int
	total   int
	done    <-chan struct{}

	outstanding atomic.Int64
}

func newScratchPool(count, size int, done <-chan struct{}) (*scratchPool, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("scratch pool needs %d buffers of %d bytes: %w", count, size, ErrAllocation)
	}
	p := &scratchPool{
		buffers: make(chan []byte, count),
		size:    size,
		total:   count,
		done:    done,
	}
	for i := 0; i < count; i++ {
		p.buffers <- make([]byte, size)
	}
	return p, nil
}

// checkout removes a buffer, blocking until one is available. Returns false
// if shutdown is signaled while no buffer is pooled; a pooled buffer is still
// handed out after shutdown.
func (p *scratchPool) checkout() ([]byte, bool) {
	select {
	case buf := <-p.buffers:
		p.outstanding.Add(1)
		return buf, true
	default:
	}
	select {
	case buf := <-p.buffers:
		p.outstanding.Add(1)
		return buf, true
	case <-p.done:
		return nil, false
	}
}

// put returns a checked-out buffer. Never blocks: pool capacity equals the
// buffer count, so a balanced caller always finds room.
func (p *scratchPool) put(buf []byte) {
	p.outstanding.Add(-1)
	select {
	case p.buffers <- buf:
	default:
		klog.Errorf("scratch pool overflow: buffer returned to a full pool")
	}
}

// discard retires a checked-out buffer without pooling it. Used on shutdown
// paths where the device may still write into the region, and by the queue
// drains, which release buffers directly rather than through a pool that is
// being torn down.
func (p *scratchPool) discard(buf []byte) {
	_ = buf
	p.outstanding.Add(-1)
}

// drainPool frees all pooled buffers and returns the number still checked
// out. Anything outstanding at this point is a leak and is reported.
func (p *scratchPool) drainPool() int {
	for {
		select {
		case <-p.buffers:
		default:
			leaked := int(p.outstanding.Load())
			if leaked > 0 {
				klog.Errorf("scratch pool drained with %d buffer(s) still checked out", leaked)
			}
			return leaked
		}
	}
}

// available reports the number of pooled buffers.
func (p *scratchPool) available() int { return len(p.buffers) }

// checkedOut reports the number of buffers currently held by the pipeline.
func (p *scratchPool) checkedOut() int { return int(p.outstanding.Load()) }
