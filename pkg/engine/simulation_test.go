package engine

import (
	"testing"
	"time"

	"github.com/accelkit/npu-dispatch/pkg/tensor"
)

func TestSimulatedShapesAndSizes(t *testing.T) {
	t.Parallel()
	s := NewSimulated(SimConfig{})

	sizes := s.OutputTensorSizes()
	if len(sizes) != 2 {
		t.Fatalf("got %d output sizes, want 2", len(sizes))
	}
	if sizes[0] != 32 || sizes[1] != 16 {
		t.Errorf("sizes = %v, want [32 16]", sizes)
	}
	if s.OutputScratchSize() != 48 {
		t.Errorf("scratch size = %d, want 48", s.OutputScratchSize())
	}
	if s.DeviceCount() != 1 {
		t.Errorf("device count = %d, want 1", s.DeviceCount())
	}
}

func TestSimulatedDeterministicOutputs(t *testing.T) {
	t.Parallel()
	s := NewSimulated(SimConfig{Delay: time.Millisecond})

	scratch := make([]byte, s.OutputScratchSize())
	id, err := s.Submit([]byte{1, 2, 3}, scratch)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	outs, err := s.Wait(id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(outs) != 2 {
		t.Fatalf("got %d outputs, want 2", len(outs))
	}
	if outs[0].Name != "scores" || outs[1].Name != "labels" {
		t.Errorf("output names = %q, %q", outs[0].Name, outs[1].Name)
	}
	if outs[0].Type.Element() != tensor.Float32 || outs[1].Type.Element() != tensor.Uint8 {
		t.Errorf("unexpected element types: %v, %v", outs[0].Type, outs[1].Type)
	}
	for i, out := range outs {
		for j, got := range out.Data {
			if want := byte(int(id) + i + j); got != want {
				t.Fatalf("output %d byte %d = %#x, want %#x", i, j, got, want)
			}
		}
	}
	if s.InFlight() != 0 {
		t.Errorf("in-flight after wait = %d, want 0", s.InFlight())
	}
}

func TestSimulatedRejections(t *testing.T) {
	t.Parallel()
	s := NewSimulated(SimConfig{})
	scratch := make([]byte, s.OutputScratchSize())

	if _, err := s.Submit(nil, scratch); err == nil {
		t.Error("empty input accepted")
	}
	if _, err := s.Submit([]byte{1}, make([]byte, 1)); err == nil {
		t.Error("undersized scratch accepted")
	}
	if _, err := s.Wait(999); err == nil {
		t.Error("unknown handle accepted")
	}

	failing := NewSimulated(SimConfig{FailSubmit: true})
	if _, err := failing.Submit([]byte{1}, scratch); err == nil {
		t.Error("FailSubmit engine accepted a job")
	}
}

func TestSimulatedWaitFault(t *testing.T) {
	t.Parallel()
	s := NewSimulated(SimConfig{
		Delay:      time.Millisecond,
		FailWaitOn: map[JobID]bool{2: true},
	})
	scratch1 := make([]byte, s.OutputScratchSize())
	scratch2 := make([]byte, s.OutputScratchSize())

	id1, err := s.Submit([]byte{1}, scratch1)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	id2, err := s.Submit([]byte{1}, scratch2)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := s.Wait(id1); err != nil {
		t.Errorf("job %d should succeed: %v", id1, err)
	}
	if _, err := s.Wait(id2); err == nil {
		t.Errorf("job %d should fault", id2)
	}
	if s.InFlight() != 0 {
		t.Errorf("in-flight = %d after both waits, want 0", s.InFlight())
	}
}
