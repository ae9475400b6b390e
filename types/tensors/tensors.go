/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package tensors implements Tensor, a host (CPU) representation of a multi-dimensional array.
//
// Tensors are defined by their shape (a data type and its axes' dimensions, see the shapes
// package) and their content, stored as a flat (1D) slice of the underlying dtype.
//
// Tensors are the values fed to and returned from inference in devgraph. Device-side storage
// is not handled here: it lives behind the backends.Buffer interface, and data moves between
// the two with explicit, owned copies.
//
// Ways to construct a Tensor:
//
//   - FromShape(shape): a tensor of the given shape, initialized with zeros.
//   - FromFlatDataAndDimensions[T](data, dimensions...): set the flattened values with the
//     given data. Example: FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2) -> [[1,2],[3,4]]
//   - FromScalarAndDimensions[T](value, dimensions...): filled with the scalar value given.
package tensors

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/gomlx/devgraph/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

// Tensor is a host value of a multidimensional array: a shape plus the flat data.
//
// The flat data is always stored as a slice of bytes, reinterpreted as the Go type
// corresponding to the shape's DType by the flat-data accessors.
type Tensor struct {
	shape shapes.Shape
	flat  []byte
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape: invalid shape %s", shape)
	}
	return &Tensor{
		shape: shape.Clone(),
		flat:  make([]byte, shape.Memory()),
	}
}

// FromFlatDataAndDimensions creates a Tensor with the given dimensions, with the flattened
// values set from data. The tensor dtype is taken from T.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	MutableFlatData(t, func(flat []T) {
		copy(flat, data)
	})
	return t
}

// FromScalarAndDimensions creates a Tensor with the given dimensions, filled with the
// scalar value given. The tensor dtype is taken from T.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	t := FromShape(shape)
	MutableFlatData(t, func(flat []T) {
		for ii := range flat {
			flat[ii] = value
		}
	})
	return t
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Size is the number of elements, the product of all dimensions.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory is the number of bytes used to store the tensor data.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// ConstBytes returns the tensor data as bytes.
// The returned slice is owned by the tensor and must not be modified.
func (t *Tensor) ConstBytes() []byte { return t.flat }

// MutableBytes returns the tensor data as mutable bytes.
// The returned slice is owned by the tensor.
func (t *Tensor) MutableBytes() []byte { return t.flat }

// flatSlice reinterprets the flat bytes as a []T. It panics if T doesn't match the dtype.
func flatSlice[T dtypes.Supported](t *Tensor) []T {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("flat data access with [%T] is incompatible with Tensor's dtype %s",
			v, t.shape.DType)
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(t.flat))), t.shape.Size())
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type
// corresponding to the DType. Even scalar values have a flattened representation of
// one element.
//
// The slice is the actual tensor data (not a copy) and must not be changed -- see
// MutableFlatData for that.
//
// It panics if T is incompatible with the tensor's dtype.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	accessFn(flatSlice[T](t))
}

// MutableFlatData calls accessFn with a flat slice pointing to the tensor data, whose
// contents can be changed until accessFn returns.
//
// It panics if T is incompatible with the tensor's dtype.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	accessFn(flatSlice[T](t))
}

// CopyFrom copies the contents of another tensor of the exact same shape.
func (t *Tensor) CopyFrom(other *Tensor) error {
	if !t.shape.Equal(other.shape) {
		return fmt.Errorf("tensors.CopyFrom: shape mismatch, %s vs %s", t.shape, other.shape)
	}
	copy(t.flat, other.flat)
	return nil
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	t2 := FromShape(t.shape)
	copy(t2.flat, t.flat)
	return t2
}

// Equal compares shape and contents.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == other {
		return true
	}
	if t == nil || other == nil {
		return false
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	return string(t.flat) == string(other.flat)
}

// maxStringValues is the maximum number of element values String prints before eliding.
const maxStringValues = 8

// String pretty-prints the shape and a preview of the first values.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: [", t.shape)
	n := min(t.Size(), maxStringValues)
	for ii := 0; ii < n; ii++ {
		if ii > 0 {
			b.WriteString(" ")
		}
		b.WriteString(t.valueString(ii))
	}
	if t.Size() > n {
		b.WriteString(" ...")
	}
	b.WriteString("]")
	return b.String()
}

// valueString formats the element at the flat index for the supported preview dtypes.
func (t *Tensor) valueString(idx int) string {
	switch t.shape.DType {
	case dtypes.Float32:
		return fmt.Sprintf("%g", flatSlice[float32](t)[idx])
	case dtypes.Float64:
		return fmt.Sprintf("%g", flatSlice[float64](t)[idx])
	case dtypes.Float16:
		return fmt.Sprintf("%g", flatSlice[float16.Float16](t)[idx].Float32())
	case dtypes.Int32:
		return fmt.Sprintf("%d", flatSlice[int32](t)[idx])
	case dtypes.Int64:
		return fmt.Sprintf("%d", flatSlice[int64](t)[idx])
	case dtypes.Uint8:
		return fmt.Sprintf("%d", flatSlice[uint8](t)[idx])
	case dtypes.Bool:
		return fmt.Sprintf("%v", flatSlice[bool](t)[idx])
	default:
		return "?"
	}
}
