// Package tensor defines the portable tensor container passed across the
// dispatch pipeline boundary. A Bundle is a fixed-length ordered set of named,
// typed, multi-dimensional tensors with owned element storage. The container
// does not interpret element bytes; layout is row-major with the last axis
// varying fastest.
//
// Bundles are single-owner. Ownership transfers are explicit: a bundle handed
// to the runtime on a successful submission must not be touched again by the
// producer, and a bundle returned by the runtime belongs to the consumer. The
// only sanctioned aliasing is a shallow copy, where two bundles observe the
// same underlying storage.
package tensor

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// ErrShapeMismatch is returned when an operation requires two bundles with
// the same tensor count and they differ.
var ErrShapeMismatch = errors.New("tensor count mismatch")

// Tensor is one slot of a Bundle. Rank is len(Shape); for element types with
// a known byte size, len(Data) equals ByteSize() times the product of Shape.
type Tensor struct {
	Name  string
	Type  ElementType
	Shape []int64
	Data  []byte
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// ElemCount returns the product of the shape dimensions.
func (t *Tensor) ElemCount() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// ByteLen returns the expected storage size in bytes, or 0 if the element
// type is unsupported.
func (t *Tensor) ByteLen() int64 {
	es := int64(t.Type.ByteSize())
	if es == 0 {
		return 0
	}
	return es * t.ElemCount()
}

// Bundle is a fixed-length ordered collection of tensors. The slot count is
// set at creation and never changes.
type Bundle struct {
	Tensors []Tensor
}

// New allocates a bundle with n empty tensor slots. Slots start in sentinel
// state: empty name, Undefined type, rank 0, no data.
func New(n int) *Bundle {
	if n < 0 {
		n = 0
	}
	return &Bundle{Tensors: make([]Tensor, n)}
}

// Len returns the number of tensor slots.
func (b *Bundle) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Tensors)
}

// Clone returns a byte-for-byte independent copy: names, shapes and data are
// freshly allocated.
func (b *Bundle) Clone() *Bundle {
	if b == nil {
		return nil
	}
	dst := New(len(b.Tensors))
	for i := range b.Tensors {
		src := &b.Tensors[i]
		dst.Tensors[i] = Tensor{
			Name:  src.Name,
			Type:  src.Type,
			Shape: append([]int64(nil), src.Shape...),
			Data:  append([]byte(nil), src.Data...),
		}
	}
	return dst
}

// ShallowCopyInto copies b's slots into dst, aliasing each shape and data
// region by reference. Afterwards both bundles observe the same underlying
// storage; a mutation through one is visible through the other. dst must have
// the same slot count as b.
func (b *Bundle) ShallowCopyInto(dst *Bundle) error {
	if b == nil || dst == nil {
		return fmt.Errorf("shallow copy: %w", ErrShapeMismatch)
	}
	if len(dst.Tensors) != len(b.Tensors) {
		return fmt.Errorf("shallow copy: src has %d tensors, dst has %d: %w",
			len(b.Tensors), len(dst.Tensors), ErrShapeMismatch)
	}
	copy(dst.Tensors, b.Tensors)
	return nil
}

// Release drops every slot, ending the bundle's ownership of its storage.
// Releasing one half of a shallow pair leaves the other half intact. Safe on
// a nil bundle.
func (b *Bundle) Release() {
	if b == nil {
		return
	}
	for i := range b.Tensors {
		b.Tensors[i] = Tensor{}
	}
}

// Validate checks the container invariants: for every slot with a supported
// element type, the data region must hold exactly ByteSize × Π shape bytes.
func (b *Bundle) Validate() error {
	if b == nil {
		return errors.New("nil bundle")
	}
	for i := range b.Tensors {
		t := &b.Tensors[i]
		want := t.ByteLen()
		if want == 0 {
			continue
		}
		if int64(len(t.Data)) != want {
			return fmt.Errorf("tensor %d (%q): have %d data bytes, want %d",
				i, t.Name, len(t.Data), want)
		}
	}
	return nil
}

// Equal reports whether a and b hold identical content: same slot count and,
// per slot, equal names, element types, ranks, shapes and data bytes. Two nil
// bundles are equal. Slots whose element type has no known byte size and
// whose shape holds at least one element compare unequal, since their data
// length cannot be computed; such slots with zero elements are compared by
// their data bytes.
func Equal(a, b *Bundle) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if len(a.Tensors) != len(b.Tensors) {
		return false
	}
	for i := range a.Tensors {
		ta, tb := &a.Tensors[i], &b.Tensors[i]
		if ta.Name != tb.Name || ta.Type != tb.Type || len(ta.Shape) != len(tb.Shape) {
			return false
		}
		for j := range ta.Shape {
			if ta.Shape[j] != tb.Shape[j] {
				return false
			}
		}
		n := ta.ByteLen()
		if n == 0 && ta.ElemCount() != 0 {
			// Unsupported element type; content cannot be compared.
			return false
		}
		if !bytes.Equal(ta.Data, tb.Data) {
			return false
		}
	}
	return true
}

// Metadata returns a human-readable summary of every slot.
func (b *Bundle) Metadata() string {
	if b == nil {
		return "bundle: <nil>\n"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "bundle: %d tensors\n", len(b.Tensors))
	for i := range b.Tensors {
		t := &b.Tensors[i]
		fmt.Fprintf(&sb, "  [%d] name=%q type=%s rank=%d shape=%v bytes=%d\n",
			i, t.Name, t.Type, t.Rank(), t.Shape, len(t.Data))
	}
	return sb.String()
}
