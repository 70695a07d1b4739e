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
	"github.com/gopipe/gopipe/types/tensors"
)

// allGatherStores exchanges per-stage partial stores and merges them into one.
// Names are disjoint across stages (each parameter/buffer lives on exactly one
// stage), so merge order is irrelevant.
func (s *PipelineStage) allGatherStores(local Store) Store {
	gathered := s.group.AllGather(local)
	merged := make(Store)
	for _, partial := range gathered {
		if partial == nil {
			continue
		}
		for name, value := range partial.(map[string]*tensors.Tensor) {
			merged[name] = value
		}
	}
	return merged
}

// NamedParameters returns the stage's parameters. With allGather set, it
// returns the parameters of all stages merged, synchronizing across the group;
// all stages must then call it.
func (s *PipelineStage) NamedParameters(allGather bool) Store {
	local := s.program.Params()
	if !allGather {
		return local
	}
	return s.allGatherStores(local)
}

// NamedBuffers returns the stage's non-trainable buffers, optionally merged
// across all stages like NamedParameters.
func (s *PipelineStage) NamedBuffers(allGather bool) Store {
	local := s.program.Buffers()
	if !allGather {
		return local
	}
	return s.allGatherStores(local)
}

// StateDict returns the stage's parameters and buffers as one flat store,
// optionally merged across all stages.
func (s *PipelineStage) StateDict(allGather bool) Store {
	params := s.program.Params()
	buffers := s.program.Buffers()
	local := make(Store, len(params)+len(buffers))
	for name, value := range params {
		local[name] = value
	}
	for name, value := range buffers {
		local[name] = value
	}
	if !allGather {
		return local
	}
	return s.allGatherStores(local)
}

// OptimizerStateDict returns the optimizer state of the stage's shard,
// optionally merged across all stages.
func (s *PipelineStage) OptimizerStateDict(allGather bool) map[string]any {
	local := s.program.OptimizerStateDict()
	if !allGather {
		return local
	}
	gathered := s.group.AllGather(local)
	merged := make(map[string]any)
	for _, partial := range gathered {
		if partial == nil {
			continue
		}
		for name, value := range partial.(map[string]any) {
			merged[name] = value
		}
	}
	return merged
}

// LoadStateDict loads parameters and buffers into the stage's program. state
// may be a full (all-stage) state dict; names not owned by this stage are
// ignored unless strict is set.
func (s *PipelineStage) LoadStateDict(state Store, strict bool) error {
	return s.program.LoadStateDict(state, strict)
}

// LoadOptimizerStateDict loads the optimizer state into the stage's program.
func (s *PipelineStage) LoadOptimizerStateDict(state map[string]any, strict bool) error {
	return s.program.LoadOptimizerStateDict(state, strict)
}
