// Package server exposes the dispatch pipeline over HTTP: a websocket
// inference endpoint speaking binary tensor frames, a websocket stats
// broadcaster, a Prometheus text endpoint and a health check.
package server

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/accelkit/npu-dispatch/pkg/tensor"
)

// Tensor frames travel in protobuf wire encoding, hand-rolled with protowire
// so producers in any language with a protobuf runtime can speak it:
//
//	message Frame  { repeated Tensor tensors = 1; }
//	message Tensor {
//	  bytes  name  = 1;
//	  int32  dtype = 2;          // tensor.ElementType code
//	  repeated int64 shape = 3;  // packed
//	  bytes  data  = 4;
//	}
const (
	frameFieldTensor = protowire.Number(1)

	tensorFieldName  = protowire.Number(1)
	tensorFieldDType = protowire.Number(2)
	tensorFieldShape = protowire.Number(3)
	tensorFieldData  = protowire.Number(4)
)

// EncodeBundle serializes b into a binary frame.
func EncodeBundle(b *tensor.Bundle) []byte {
	var frame []byte
	for i := range b.Tensors {
		t := &b.Tensors[i]

		var msg []byte
		msg = protowire.AppendTag(msg, tensorFieldName, protowire.BytesType)
		msg = protowire.AppendString(msg, t.Name)
		msg = protowire.AppendTag(msg, tensorFieldDType, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(t.Type))
		if len(t.Shape) > 0 {
			var dims []byte
			for _, d := range t.Shape {
				dims = protowire.AppendVarint(dims, uint64(d))
			}
			msg = protowire.AppendTag(msg, tensorFieldShape, protowire.BytesType)
			msg = protowire.AppendBytes(msg, dims)
		}
		msg = protowire.AppendTag(msg, tensorFieldData, protowire.BytesType)
		msg = protowire.AppendBytes(msg, t.Data)

		frame = protowire.AppendTag(frame, frameFieldTensor, protowire.BytesType)
		frame = protowire.AppendBytes(frame, msg)
	}
	return frame
}

// DecodeBundle parses a binary frame. Unknown fields are skipped so newer
// producers keep working; malformed input is rejected.
func DecodeBundle(buf []byte) (*tensor.Bundle, error) {
	var tensors []tensor.Tensor
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("frame tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]

		if num == frameFieldTensor && typ == protowire.BytesType {
			msg, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("tensor message: %w", protowire.ParseError(n))
			}
			buf = buf[n:]
			t, err := decodeTensor(msg)
			if err != nil {
				return nil, fmt.Errorf("tensor %d: %w", len(tensors), err)
			}
			tensors = append(tensors, t)
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, buf)
		if n < 0 {
			return nil, fmt.Errorf("frame field %d: %w", num, protowire.ParseError(n))
		}
		buf = buf[n:]
	}
	return &tensor.Bundle{Tensors: tensors}, nil
}

func decodeTensor(buf []byte) (tensor.Tensor, error) {
	var t tensor.Tensor
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return t, fmt.Errorf("tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case num == tensorFieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return t, fmt.Errorf("name: %w", protowire.ParseError(n))
			}
			t.Name = string(v)
			buf = buf[n:]

		case num == tensorFieldDType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return t, fmt.Errorf("dtype: %w", protowire.ParseError(n))
			}
			t.Type = tensor.ElementType(v)
			buf = buf[n:]

		case num == tensorFieldShape && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return t, fmt.Errorf("shape: %w", protowire.ParseError(n))
			}
			buf = buf[n:]
			for len(packed) > 0 {
				d, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return t, fmt.Errorf("shape dim: %w", protowire.ParseError(n))
				}
				t.Shape = append(t.Shape, int64(d))
				packed = packed[n:]
			}

		case num == tensorFieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return t, fmt.Errorf("data: %w", protowire.ParseError(n))
			}
			// Copy out of the transport buffer: the bundle owns its bytes.
			t.Data = append([]byte(nil), v...)
			buf = buf[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return t, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return t, nil
}
