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

package tensors

import (
	"math"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// The operations here are the only math the pipeline runtime itself performs:
// gradient accumulation (AddFrom, Add), chunk splitting and re-concatenation
// (SplitAlongAxis, ConcatAlongAxis) and value comparisons for tests. Anything
// else belongs in the opaque compute callables.

// AddFrom accumulates the other tensor into t, element-wise. The shapes must
// be equal and the dtype must be a number type.
func (t *Tensor) AddFrom(other *Tensor) {
	t.AssertValid()
	other.AssertValid()
	if !t.shape.Equal(other.shape) {
		exceptions.Panicf("Tensor.AddFrom: shapes don't match, accumulator is %s, operand is %s", t.shape, other.shape)
	}
	switch t.shape.DType {
	case dtypes.Float32:
		addFlat[float32](t, other)
	case dtypes.Float64:
		addFlat[float64](t, other)
	case dtypes.Float16:
		addFlatFloat16(t, other)
	case dtypes.Int8:
		addFlat[int8](t, other)
	case dtypes.Int16:
		addFlat[int16](t, other)
	case dtypes.Int32:
		addFlat[int32](t, other)
	case dtypes.Int64:
		addFlat[int64](t, other)
	case dtypes.Uint8:
		addFlat[uint8](t, other)
	case dtypes.Uint16:
		addFlat[uint16](t, other)
	case dtypes.Uint32:
		addFlat[uint32](t, other)
	case dtypes.Uint64:
		addFlat[uint64](t, other)
	default:
		exceptions.Panicf("Tensor.AddFrom: dtype %s not supported", t.shape.DType)
	}
}

func addFlat[T interface {
	constraints.Integer | constraints.Float
	dtypes.Supported
}](t, other *Tensor) {
	dst := MutableFlatData[T](t)
	src := ConstFlatData[T](other)
	for ii, v := range src {
		dst[ii] += v
	}
}

// addFlatFloat16 accumulates through float32 to avoid compounding the rounding
// of the 11-bit mantissa on every addition.
func addFlatFloat16(t, other *Tensor) {
	dst := MutableFlatData[float16.Float16](t)
	src := ConstFlatData[float16.Float16](other)
	for ii, v := range src {
		dst[ii] = float16.Fromfloat32(dst[ii].Float32() + v.Float32())
	}
}

// Add returns a new tensor with the element-wise sum of a and b.
func Add(a, b *Tensor) *Tensor {
	sum := a.Clone()
	sum.AddFrom(b)
	return sum
}

// Equal returns whether a and b have the same shape and exactly the same data.
func Equal(a, b *Tensor) bool {
	if !a.Ok() || !b.Ok() {
		return a == b
	}
	return a.shape.Equal(b.shape) && reflect.DeepEqual(a.flat, b.flat)
}

// InDelta returns whether a and b have the same shape and every pair of
// elements is within delta of each other. The dtype must be a float type.
func InDelta(a, b *Tensor, delta float64) bool {
	a.AssertValid()
	b.AssertValid()
	if !a.shape.Equal(b.shape) {
		return false
	}
	toFloat64 := func(t *Tensor) []float64 {
		flat := make([]float64, t.Size())
		switch t.shape.DType {
		case dtypes.Float32:
			for ii, v := range ConstFlatData[float32](t) {
				flat[ii] = float64(v)
			}
		case dtypes.Float64:
			copy(flat, ConstFlatData[float64](t))
		case dtypes.Float16:
			for ii, v := range ConstFlatData[float16.Float16](t) {
				flat[ii] = float64(v.Float32())
			}
		default:
			exceptions.Panicf("tensors.InDelta: dtype %s is not a float type", t.shape.DType)
		}
		return flat
	}
	aFlat, bFlat := toFloat64(a), toFloat64(b)
	for ii, v := range aFlat {
		if math.Abs(v-bFlat[ii]) > delta {
			return false
		}
	}
	return true
}

// SplitAlongAxis splits the tensor into numSplits independent tensors of equal
// shape, partitioning the given axis (negative axes count from the end). The
// axis dimension must be divisible by numSplits.
func SplitAlongAxis(t *Tensor, axis, numSplits int) ([]*Tensor, error) {
	t.AssertValid()
	if numSplits <= 0 {
		return nil, errors.Errorf("tensors.SplitAlongAxis: numSplits must be positive, got %d", numSplits)
	}
	rank := t.Rank()
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += rank
	}
	if adjustedAxis < 0 || adjustedAxis >= rank {
		return nil, errors.Errorf("tensors.SplitAlongAxis: axis %d out-of-bounds for shape %s", axis, t.shape)
	}
	dim := t.shape.Dimensions[adjustedAxis]
	if dim%numSplits != 0 {
		return nil, errors.Errorf("tensors.SplitAlongAxis: axis %d of shape %s has dimension %d, not divisible into %d equal splits",
			axis, t.shape, dim, numSplits)
	}

	inner := 1
	for _, d := range t.shape.Dimensions[adjustedAxis+1:] {
		inner *= d
	}
	outer := 1
	for _, d := range t.shape.Dimensions[:adjustedAxis] {
		outer *= d
	}
	splitDim := dim / numSplits
	block := splitDim * inner  // elements per (outer row, split)
	stride := dim * inner      // elements per outer row of the source

	splitShape := t.shape.Clone()
	splitShape.Dimensions[adjustedAxis] = splitDim
	srcV := reflect.ValueOf(t.flat)
	splits := make([]*Tensor, numSplits)
	for split := range splits {
		out := FromShape(splitShape)
		dstV := reflect.ValueOf(out.flat)
		for o := 0; o < outer; o++ {
			srcOff := o*stride + split*block
			reflect.Copy(dstV.Slice(o*block, (o+1)*block), srcV.Slice(srcOff, srcOff+block))
		}
		splits[split] = out
	}
	return splits, nil
}

// ConcatAlongAxis concatenates the parts along the given axis (negative axes
// count from the end). All parts must have the same dtype and the same
// dimensions except along the concatenation axis.
func ConcatAlongAxis(parts []*Tensor, axis int) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.Errorf("tensors.ConcatAlongAxis: no tensors to concatenate")
	}
	first := parts[0]
	first.AssertValid()
	rank := first.Rank()
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += rank
	}
	if adjustedAxis < 0 || adjustedAxis >= rank {
		return nil, errors.Errorf("tensors.ConcatAlongAxis: axis %d out-of-bounds for shape %s", axis, first.shape)
	}

	totalDim := 0
	for ii, part := range parts {
		part.AssertValid()
		if part.shape.DType != first.shape.DType || part.Rank() != rank {
			return nil, errors.Errorf("tensors.ConcatAlongAxis: tensor %d has shape %s, incompatible with %s", ii, part.shape, first.shape)
		}
		for a, d := range part.shape.Dimensions {
			if a != adjustedAxis && d != first.shape.Dimensions[a] {
				return nil, errors.Errorf("tensors.ConcatAlongAxis: tensor %d has shape %s, mismatched with %s on axis %d",
					ii, part.shape, first.shape, a)
			}
		}
		totalDim += part.shape.Dimensions[adjustedAxis]
	}

	inner := 1
	for _, d := range first.shape.Dimensions[adjustedAxis+1:] {
		inner *= d
	}
	outer := 1
	for _, d := range first.shape.Dimensions[:adjustedAxis] {
		outer *= d
	}

	concatShape := first.shape.Clone()
	concatShape.Dimensions[adjustedAxis] = totalDim
	out := FromShape(concatShape)
	dstV := reflect.ValueOf(out.flat)
	dstStride := totalDim * inner
	dimOffset := 0
	for _, part := range parts {
		srcV := reflect.ValueOf(part.flat)
		block := part.shape.Dimensions[adjustedAxis] * inner
		for o := 0; o < outer; o++ {
			dstOff := o*dstStride + dimOffset*inner
			reflect.Copy(dstV.Slice(dstOff, dstOff+block), srcV.Slice(o*block, (o+1)*block))
		}
		dimOffset += part.shape.Dimensions[adjustedAxis]
	}
	return out, nil
}
