// Package microbatch splits a training step's inputs into a fixed number of
// equal-sized chunks ("microbatches") and merges per-chunk results back into a
// single value.
//
// Each named value is governed by a Spec:
//
//   - TensorChunkSpec{Axis}: split (and re-concatenate) along the given axis.
//     This is the default, along axis 0 (the batch axis).
//   - CustomReducer{Reduce}: on merge, fold the per-chunk values with Reduce
//     (e.g. summing per-chunk losses). Not valid for splitting.
//   - Replicate{}: hand every chunk an independent copy of the whole value (for
//     values that don't scale with the batch); on merge, take the first value.
//
// Values may be missing (nil) in some chunks on merge only if they are missing
// in all of them, in which case they are omitted from the merged result.
package microbatch

import (
	"sort"

	"github.com/gopipe/gopipe/types/tensors"
	"github.com/pkg/errors"
)

// DefaultChunkAxis is the axis along which values are chunked when no explicit
// Spec is given.
const DefaultChunkAxis = 0

// Spec describes how one named value is split into chunks and merged back.
type Spec interface {
	chunkSpec()
}

// TensorChunkSpec splits/merges along the given tensor axis.
type TensorChunkSpec struct {
	Axis int
}

// CustomReducer merges per-chunk values by folding them with Reduce, in chunk
// order. Values governed by a CustomReducer cannot be split.
type CustomReducer struct {
	Reduce func(a, b *tensors.Tensor) *tensors.Tensor
}

// Replicate copies the whole value to every chunk; merging returns the first
// chunk's value.
type Replicate struct{}

func (TensorChunkSpec) chunkSpec() {}
func (CustomReducer) chunkSpec()   {}
func (Replicate) chunkSpec()       {}

// SumReducer returns a CustomReducer that sums the per-chunk values.
func SumReducer() CustomReducer {
	return CustomReducer{Reduce: tensors.Add}
}

func specFor(name string, specs map[string]Spec) Spec {
	if spec, found := specs[name]; found && spec != nil {
		return spec
	}
	return TensorChunkSpec{Axis: DefaultChunkAxis}
}

// SplitIntoChunks partitions every value of kwargs into numChunks equal chunks,
// according to specs (missing names default to TensorChunkSpec along
// DefaultChunkAxis). It returns one kwargs map per chunk.
//
// It fails if a value's chunk axis is not divisible by numChunks -- chunks must
// be of equal size -- or if a value is governed by a CustomReducer.
func SplitIntoChunks(kwargs map[string]*tensors.Tensor, numChunks int, specs map[string]Spec) ([]map[string]*tensors.Tensor, error) {
	if numChunks <= 0 {
		return nil, errors.Errorf("microbatch.SplitIntoChunks: numChunks must be positive, got %d", numChunks)
	}
	chunks := make([]map[string]*tensors.Tensor, numChunks)
	for ii := range chunks {
		chunks[ii] = make(map[string]*tensors.Tensor, len(kwargs))
	}
	for name, value := range kwargs {
		switch spec := specFor(name, specs).(type) {
		case TensorChunkSpec:
			splits, err := tensors.SplitAlongAxis(value, spec.Axis, numChunks)
			if err != nil {
				return nil, errors.WithMessagef(err, "splitting value %q into chunks", name)
			}
			for ii, split := range splits {
				chunks[ii][name] = split
			}
		case Replicate:
			for ii := range chunks {
				chunks[ii][name] = value.Clone()
			}
		case CustomReducer:
			return nil, errors.Errorf("microbatch.SplitIntoChunks: value %q is governed by a CustomReducer, which cannot split", name)
		}
	}
	return chunks, nil
}

// MergeChunks reassembles the per-chunk result maps into one result, according
// to specs (missing names default to TensorChunkSpec along DefaultChunkAxis).
//
// A name whose value is nil in every chunk is omitted from the result. A name
// with values in only some chunks is an error.
func MergeChunks(chunks []map[string]*tensors.Tensor, specs map[string]Spec) (map[string]*tensors.Tensor, error) {
	if len(chunks) == 0 {
		return nil, errors.Errorf("microbatch.MergeChunks: no chunks to merge")
	}

	names := make(map[string]bool)
	for _, chunk := range chunks {
		for name := range chunk {
			names[name] = true
		}
	}
	sortedNames := make([]string, 0, len(names))
	for name := range names {
		sortedNames = append(sortedNames, name)
	}
	sort.Strings(sortedNames)

	merged := make(map[string]*tensors.Tensor, len(sortedNames))
	for _, name := range sortedNames {
		values := make([]*tensors.Tensor, 0, len(chunks))
		for _, chunk := range chunks {
			if value := chunk[name]; value != nil {
				values = append(values, value)
			}
		}
		if len(values) == 0 {
			// Produced by some other stage; its contribution arrives via the
			// end-of-step all-gather instead.
			continue
		}
		if len(values) != len(chunks) {
			return nil, errors.Errorf("microbatch.MergeChunks: value %q present in %d of %d chunks", name, len(values), len(chunks))
		}

		switch spec := specFor(name, specs).(type) {
		case TensorChunkSpec:
			concat, err := tensors.ConcatAlongAxis(values, spec.Axis)
			if err != nil {
				return nil, errors.WithMessagef(err, "merging chunks of value %q", name)
			}
			merged[name] = concat
		case CustomReducer:
			reduced := values[0]
			for _, value := range values[1:] {
				reduced = spec.Reduce(reduced, value)
			}
			merged[name] = reduced
		case Replicate:
			merged[name] = values[0]
		}
	}
	return merged, nil
}
