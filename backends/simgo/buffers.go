package simgo

import (
	"sync"

	"github.com/gomlx/devgraph/backends"
	"github.com/gomlx/devgraph/types/shapes"
	"github.com/gomlx/devgraph/types/tensors"
	"github.com/pkg/errors"
)

// Buffer for the SimGo backend holds a shape and the flat data as bytes.
//
// The flat slice is allocated once at construction and never reallocated: captured
// recordings alias it, so its address must stay fixed for the buffer lifetime.
type Buffer struct {
	shape shapes.Shape

	mu    sync.Mutex
	flat  []byte
	valid bool
}

// Compile-time check:
var _ backends.Buffer = (*Buffer)(nil)

// NewBuffer implements backends.Backend.
func (b *Backend) NewBuffer(shape shapes.Shape) (backends.Buffer, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("simgo: cannot allocate buffer for invalid shape %s", shape)
	}
	b.mu.Lock()
	finalized := b.finalized
	b.mu.Unlock()
	if finalized {
		return nil, errors.Errorf("simgo: backend already finalized")
	}
	return &Buffer{
		shape: shape.Clone(),
		flat:  make([]byte, shape.Memory()),
		valid: true,
	}, nil
}

// Shape of the buffer.
func (buf *Buffer) Shape() shapes.Shape { return buf.shape }

// FromHost copies the tensor contents into the buffer, without reallocating it.
func (buf *Buffer) FromHost(t *tensors.Tensor) error {
	if !t.Shape().Equal(buf.shape) {
		return errors.Errorf("simgo: buffer shape %s doesn't match tensor shape %s", buf.shape, t.Shape())
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if !buf.valid {
		return errors.Errorf("simgo: write to finalized buffer")
	}
	copy(buf.flat, t.ConstBytes())
	return nil
}

// ToHost returns an owned host copy of the buffer contents.
func (buf *Buffer) ToHost() (*tensors.Tensor, error) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if !buf.valid {
		return nil, errors.Errorf("simgo: read from finalized buffer")
	}
	t := tensors.FromShape(buf.shape)
	copy(t.MutableBytes(), buf.flat)
	return t, nil
}

// Finalize releases the buffer.
func (buf *Buffer) Finalize() {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	buf.valid = false
	buf.flat = nil
}
