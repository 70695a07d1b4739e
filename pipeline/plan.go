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

package pipeline

import (
	"sort"

	"github.com/gopipe/gopipe/types/tensors"
	"github.com/pkg/errors"
)

// placeholder is a named input slot of a stage's compute callable.
//
// kwargPlaceholder values are supplied directly from the step's own split input
// chunks, with no network transfer. recvPlaceholder values must be received
// over the network from a specific source stage; they own a pre-allocated zero
// buffer sized to the declared shape, reused across chunks by overwrite --
// reads must clone (see collectKwargs) so chunks never alias the same memory.
type placeholder interface {
	inputName() string
}

type kwargPlaceholder struct {
	name string
}

func (p kwargPlaceholder) inputName() string { return p.name }

type recvPlaceholder struct {
	name   string
	source int // producing stage index
	buffer *tensors.Tensor
}

func (p *recvPlaceholder) inputName() string { return p.name }

// sourceRecvs is the ordered receive plan for one source stage.
type sourceRecvs struct {
	source       int // stage index, or LocalSource
	placeholders []placeholder
}

// destSends is the ordered send plan for one destination stage.
type destSends struct {
	destination int // stage index
	names       []string
}

// createRecvInfo computes the receive side of the communication plan for one
// node: which values must be received from which peer stages, with a total
// order identical on sender and receiver.
//
// Candidate (source, name) pairs are sorted ascending for forward dependencies
// (lower stage first, alphabetical tie-break) and by descending stage with
// alphabetical tie-break for backward dependencies. This asymmetric sort is the
// deadlock-avoidance mechanism: it guarantees both sides of every stage pair
// post their batches of matching operations in the same relative order, with no
// separate handshake.
//
// Inputs with no producing stage (LocalSource) sort below every real stage and
// become kwarg placeholders; they are only valid in the forward direction.
func createRecvInfo(node *Node, forward bool) ([]sourceRecvs, error) {
	toSort := make([]ValueMeta, len(node.Inputs))
	copy(toSort, node.Inputs)
	sort.Slice(toSort, func(i, j int) bool {
		a, b := toSort[i], toSort[j]
		src1, src2 := a.Source, b.Source
		if !forward {
			src1, src2 = -src1, -src2
		}
		if src1 != src2 {
			return src1 < src2
		}
		return a.Name < b.Name
	})

	var plan []sourceRecvs
	for _, input := range toSort {
		var ph placeholder
		if input.Source == LocalSource {
			if !forward {
				return nil, errors.Errorf("input %q of node %q has no producing stage: a backward pass cannot take raw step arguments", input.Name, node.Name)
			}
			ph = kwargPlaceholder{name: input.Name}
		} else {
			if !input.Shape.Ok() {
				return nil, errors.Errorf("input %q of node %q (from stage %d) has no example shape descriptor", input.Name, node.Name, input.Source)
			}
			ph = &recvPlaceholder{
				name:   input.Name,
				source: input.Source,
				buffer: tensors.FromShape(input.Shape),
			}
		}
		if len(plan) > 0 && plan[len(plan)-1].source == input.Source {
			last := &plan[len(plan)-1]
			last.placeholders = append(last.placeholders, ph)
			continue
		}
		plan = append(plan, sourceRecvs{source: input.Source, placeholders: []placeholder{ph}})
	}
	return plan, nil
}

// createSendInfo computes the send side of the communication plan for one node:
// which values must be sent to which peer stages. The per-destination name
// order follows the same asymmetric sort as createRecvInfo, so it matches what
// each destination's createRecvInfo produced for this stage.
func createSendInfo(node *Node, forward bool) []destSends {
	type pair struct {
		destination int
		name        string
	}
	var toSort []pair
	for _, output := range node.Outputs {
		for _, consumer := range output.Consumers {
			toSort = append(toSort, pair{destination: consumer, name: output.Name})
		}
	}
	sort.Slice(toSort, func(i, j int) bool {
		a, b := toSort[i], toSort[j]
		dst1, dst2 := a.destination, b.destination
		if !forward {
			dst1, dst2 = -dst1, -dst2
		}
		if dst1 != dst2 {
			return dst1 < dst2
		}
		return a.name < b.name
	})

	byDst := make(map[int][]string)
	var dsts []int
	for _, p := range toSort {
		if _, found := byDst[p.destination]; !found {
			dsts = append(dsts, p.destination)
		}
		byDst[p.destination] = append(byDst[p.destination], p.name)
	}

	// Batches are posted in ascending destination order regardless of
	// direction; only the within-destination name order is directional.
	sort.Ints(dsts)
	plan := make([]destSends, 0, len(dsts))
	for _, dst := range dsts {
		plan = append(plan, destSends{destination: dst, names: byDst[dst]})
	}
	return plan
}
