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

// Package tensors implements a Tensor, a multi-dimensional array of one of the
// supported dtypes (see github.com/gomlx/gopjrt/dtypes), stored flat in
// row-major order.
//
// It is the unit of exchange of the pipeline runtime: activations, gradients,
// parameters and return values are all Tensors. The runtime only moves, copies
// and accumulates them; the compute callables interpret the data.
//
// Access to the underlying data is through ConstFlatData and MutableFlatData,
// which are generics over the corresponding Go type of the dtype. Tensors are
// gob-encodable, which the in-process transport relies on for isolation.
package tensors

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gopipe/gopipe/types/shapes"
	"github.com/pkg/errors"
)

// Tensor is a multi-dimensional array of one of the supported dtypes. The
// underlying storage is a flat Go slice in row-major order.
//
// Create them with FromShape (zero-initialized), FromFlatDataAndDimensions or
// FromScalar. The zero value is invalid.
type Tensor struct {
	shape shapes.Shape

	// flat is a []T slice of the Go type corresponding to shape.DType, of
	// length shape.Size().
	flat any
}

// FromShape returns a zero-initialized Tensor of the given shape. It panics on
// an invalid shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	size := shape.Size()
	flat := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size)
	return &Tensor{shape: shape.Clone(), flat: flat.Interface()}
}

// FromFlatDataAndDimensions returns a Tensor of the given dimensions holding
// (not copying) the given flat data, whose length must match the shape's size.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions(%s): data has %d elements, shape requires %d",
			shape, len(data), shape.Size())
	}
	return &Tensor{shape: shape, flat: data}
}

// FromScalar returns a rank-0 Tensor holding the given value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return &Tensor{
		shape: shapes.Shape{DType: dtypes.FromGenericsType[T]()},
		flat:  []T{value},
	}
}

// Ok returns whether the tensor is valid. The zero value is not.
func (t *Tensor) Ok() bool { return t != nil && t.shape.Ok() && t.flat != nil }

// AssertValid panics if the tensor is invalid.
func (t *Tensor) AssertValid() {
	if !t.Ok() {
		exceptions.Panicf("tensors.Tensor is invalid (zero value or corrupted)")
	}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements of the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory is the number of bytes of the tensor's data.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// ConstFlatData returns the flat data of the tensor as []T, for reading. It
// panics if T is not the Go type of the tensor's dtype.
//
// The slice aliases the tensor's storage, it is not a copy.
func ConstFlatData[T dtypes.Supported](t *Tensor) []T {
	t.AssertValid()
	flat, ok := t.flat.([]T)
	if !ok {
		var v T
		exceptions.Panicf("tensors.ConstFlatData[%T]: tensor holds %s values", v, t.shape.DType)
	}
	return flat
}

// MutableFlatData returns the flat data of the tensor as []T, for reading and
// writing. It panics if T is not the Go type of the tensor's dtype.
//
// The slice aliases the tensor's storage, it is not a copy.
func MutableFlatData[T dtypes.Supported](t *Tensor) []T {
	return ConstFlatData[T](t)
}

// ToScalar returns the value of a rank-0 tensor. It panics if the tensor is
// not a scalar or if T is not the Go type of its dtype.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	t.AssertValid()
	if !t.shape.IsScalar() {
		exceptions.Panicf("tensors.ToScalar: tensor has shape %s, not a scalar", t.shape)
	}
	return ConstFlatData[T](t)[0]
}

// CopyFrom copies the data of the other tensor into t. The shapes must be
// equal; a mismatch means the value on the wire doesn't match the declared
// receive buffer and panics.
func (t *Tensor) CopyFrom(other *Tensor) {
	t.AssertValid()
	other.AssertValid()
	if !t.shape.Equal(other.shape) {
		exceptions.Panicf("Tensor.CopyFrom: shapes don't match, destination is %s, source is %s", t.shape, other.shape)
	}
	reflect.Copy(reflect.ValueOf(t.flat), reflect.ValueOf(other.flat))
}

// Clone returns an independent deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	clone := FromShape(t.shape)
	clone.CopyFrom(t)
	return clone
}

// String pretty-prints the shape and the first few values.
func (t *Tensor) String() string {
	if !t.Ok() {
		return "Tensor(invalid)"
	}
	const maxValues = 10
	flatV := reflect.ValueOf(t.flat)
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%s: [", t.shape)
	for ii := 0; ii < flatV.Len() && ii < maxValues; ii++ {
		if ii > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%v", flatV.Index(ii).Interface())
	}
	if flatV.Len() > maxValues {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")
	return sb.String()
}

// GobEncode implements gob.GobEncoder.
func (t *Tensor) GobEncode() ([]byte, error) {
	if !t.Ok() {
		return nil, errors.Errorf("cannot gob-encode an invalid Tensor")
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := t.shape.GobSerialize(enc); err != nil {
		return nil, err
	}
	if err := enc.EncodeValue(reflect.ValueOf(t.flat)); err != nil {
		return nil, errors.Wrapf(err, "failed to encode flat data of Tensor %s", t.shape)
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (t *Tensor) GobDecode(data []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(data))
	shape, err := shapes.GobDeserialize(dec)
	if err != nil {
		return err
	}
	flatV := reflect.New(reflect.SliceOf(shape.DType.GoType()))
	if err := dec.DecodeValue(flatV); err != nil {
		return errors.Wrapf(err, "failed to decode flat data of Tensor %s", shape)
	}
	flat := flatV.Elem()
	if flat.Len() != shape.Size() {
		return errors.Errorf("decoded Tensor %s has %d elements, shape requires %d", shape, flat.Len(), shape.Size())
	}
	t.shape = shape
	t.flat = flat.Interface()
	return nil
}
