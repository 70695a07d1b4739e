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
	"github.com/gopipe/gopipe/distributed"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ScheduleType selects the execution policy composing a stage's primitive
// operations into one full training step.
type ScheduleType int

const (
	// ScheduleGPipe runs all forward chunks, then all backward chunks. Simple,
	// but peak activation memory grows with the number of chunks.
	ScheduleGPipe ScheduleType = iota

	// ScheduleDAPPLE interleaves one backward per forward after a per-stage
	// warm-up, bounding peak in-flight activations to min(numStages-stageIdx,
	// numChunks) instead of numChunks. Also known as 1F1B.
	ScheduleDAPPLE
)

// Schedule1F1B is the common alternative name of ScheduleDAPPLE.
const Schedule1F1B = ScheduleDAPPLE

// String implements fmt.Stringer.
func (t ScheduleType) String() string {
	switch t {
	case ScheduleGPipe:
		return "GPipe"
	case ScheduleDAPPLE:
		return "DAPPLE"
	}
	return "InvalidScheduleType"
}

// schedule runs one full step's worth of chunk operations on its stage.
// Schedules only order the primitives; all state lives in the PipelineStage.
type schedule interface {
	run()
}

func newSchedule(t ScheduleType, stage *PipelineStage) (schedule, error) {
	switch t {
	case ScheduleGPipe:
		return &gpipeSchedule{stage: stage}, nil
	case ScheduleDAPPLE:
		if !stage.HasBackward() {
			return nil, errors.Errorf("schedule %s requires a backward segment, but stage %d has none (inference-only programs should use %s)",
				t, stage.StageIdx(), ScheduleGPipe)
		}
		numWarmup := stage.NumStages() - stage.StageIdx()
		if numWarmup > stage.NumChunks() {
			numWarmup = stage.NumChunks()
		}
		return &dappleSchedule{stage: stage, numWarmup: numWarmup}, nil
	}
	return nil, errors.Errorf("invalid schedule type %d", t)
}

// gpipeSchedule: all forward chunks first, then all backward chunks. Sends are
// posted as soon as their chunk is computed and only waited for at the end of
// the step, so downstream stages can start as early as possible.
type gpipeSchedule struct {
	stage *PipelineStage
}

func (g *gpipeSchedule) run() {
	s := g.stage
	var sends []distributed.Handle

	for chunk := 0; chunk < s.NumChunks(); chunk++ {
		s.ForwardRecvOneChunk(true)
		s.ForwardComputeOneChunk()
		sends = append(sends, s.ForwardSendOneChunk()...)
	}
	if s.HasBackward() {
		for chunk := 0; chunk < s.NumChunks(); chunk++ {
			s.BackwardRecvOneChunk(true)
			s.BackwardComputeOneChunk()
			sends = append(sends, s.BackwardSendOneChunk()...)
		}
	}
	distributed.WaitAll(sends)

	if s.HasBackward() {
		s.MergeAndAssignChunkedGrads()
	}
	if s.HasStep() {
		s.Step()
	}
}

// dappleSchedule implements the 1F1B policy: numWarmup forward chunks first,
// then a steady state alternating one backward and one forward, then the
// remaining backward chunks.
//
// The steady-state operation order is load-bearing: the forward receive is
// posted (without waiting) before the backward compute, so the upstream
// stage's matching send can complete while this stage is busy, and is only
// waited for after the backward send. Reordering these operations reintroduces
// the pipeline bubble or deadlocks the exchange.
type dappleSchedule struct {
	stage     *PipelineStage
	numWarmup int
}

func (d *dappleSchedule) run() {
	s := d.stage
	var sends []distributed.Handle
	klog.V(2).Infof("pipeline: stage %d DAPPLE step: %d warm-up of %d chunks", s.StageIdx(), d.numWarmup, s.NumChunks())

	for chunk := 0; chunk < d.numWarmup; chunk++ {
		s.ForwardRecvOneChunk(true)
		s.ForwardComputeOneChunk()
		sends = append(sends, s.ForwardSendOneChunk()...)
	}

	for chunk := 0; chunk < s.NumChunks()-d.numWarmup; chunk++ {
		s.BackwardRecvOneChunk(true)
		fwRecvs := s.ForwardRecvOneChunk(false)
		s.BackwardComputeOneChunk()
		sends = append(sends, s.BackwardSendOneChunk()...)
		distributed.WaitAll(fwRecvs)
		s.ForwardComputeOneChunk()
		sends = append(sends, s.ForwardSendOneChunk()...)
	}

	for chunk := 0; chunk < d.numWarmup; chunk++ {
		s.BackwardRecvOneChunk(true)
		s.BackwardComputeOneChunk()
		sends = append(sends, s.BackwardSendOneChunk()...)
	}
	distributed.WaitAll(sends)

	s.MergeAndAssignChunkedGrads()
	if s.HasStep() {
		s.Step()
	}
}
