package server

import (
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/accelkit/npu-dispatch/pkg/tensor"
)

func testBundle() *tensor.Bundle {
	b := tensor.New(2)
	b.Tensors[0] = tensor.Tensor{
		Name:  "scores",
		Type:  tensor.Float32,
		Shape: []int64{1, 8},
		Data:  make([]byte, 32),
	}
	for i := range b.Tensors[0].Data {
		b.Tensors[0].Data[i] = byte(i * 3)
	}
	b.Tensors[1] = tensor.Tensor{
		Name:  "labels",
		Type:  tensor.Uint8,
		Shape: []int64{16},
		Data:  []byte("0123456789abcdef"),
	}
	return b
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()
	src := testBundle()
	frame := EncodeBundle(src)

	got, err := DecodeBundle(frame)
	if err != nil {
		t.Fatalf("DecodeBundle: %v", err)
	}
	if !tensor.Equal(src, got) {
		t.Fatalf("round trip lost content:\nsrc: %sgot: %s", src.Metadata(), got.Metadata())
	}

	// The decoded bundle owns its bytes.
	frame[len(frame)-1] ^= 0xff
	if !tensor.Equal(src, got) {
		t.Fatal("decoded bundle aliases the transport buffer")
	}
}

func TestCodecEmptyBundle(t *testing.T) {
	t.Parallel()
	got, err := DecodeBundle(EncodeBundle(tensor.New(0)))
	if err != nil {
		t.Fatalf("DecodeBundle: %v", err)
	}
	if got.Len() != 0 {
		t.Fatalf("decoded %d tensors from an empty frame", got.Len())
	}
}

func TestCodecScalarTensor(t *testing.T) {
	t.Parallel()
	b := tensor.New(1)
	b.Tensors[0] = tensor.Tensor{Name: "bias", Type: tensor.Int64, Data: make([]byte, 8)}

	got, err := DecodeBundle(EncodeBundle(b))
	if err != nil {
		t.Fatalf("DecodeBundle: %v", err)
	}
	if got.Tensors[0].Rank() != 0 {
		t.Errorf("scalar rank = %d, want 0", got.Tensors[0].Rank())
	}
	if !tensor.Equal(b, got) {
		t.Error("scalar round trip lost content")
	}
}

func TestCodecRejectsMalformed(t *testing.T) {
	t.Parallel()
	malformed := [][]byte{
		{0x0a},             // tensor field with missing length
		{0x0a, 0x10, 0x00}, // tensor field with truncated payload
		{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	}
	for i, buf := range malformed {
		if _, err := DecodeBundle(buf); err == nil {
			t.Errorf("case %d: malformed frame accepted", i)
		}
	}
}

func TestCodecSkipsUnknownFields(t *testing.T) {
	t.Parallel()
	src := testBundle()
	frame := EncodeBundle(src)

	// A future producer appends a frame-level field this decoder has never
	// heard of.
	frame = protowire.AppendTag(frame, 9, protowire.VarintType)
	frame = protowire.AppendVarint(frame, 12345)

	got, err := DecodeBundle(frame)
	if err != nil {
		t.Fatalf("DecodeBundle with unknown field: %v", err)
	}
	if !tensor.Equal(src, got) {
		t.Fatal("unknown field disturbed decoding")
	}
}
