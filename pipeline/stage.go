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

// Package pipeline implements a per-stage runtime that executes one logical
// model-training step across multiple cooperating processes, each owning one
// slice ("stage") of a computation split into forward, backward and
// optimizer-step segments.
//
// A driver constructs one PipelineStage per process and repeatedly calls
// PipelineStage.Call once per training step. Internally the stage resets its
// per-iteration buffers, splits inputs into microbatch chunks, runs its
// Schedule (GPipe or DAPPLE/1F1B) to completion and merges and returns the
// outputs.
//
// The stage's correctness hinges on two mechanisms, both implemented here:
//
//   - Communication plans (see createRecvInfo/createSendInfo) order all
//     point-to-point operations so that any pair of stages posts matching
//     batches in the same relative order, which makes the exchange
//     deadlock-free without any handshake.
//   - Receive buffers are reused across chunks and therefore cloned on
//     read-out, so concurrent chunks never alias the same memory.
//
// All operations within a process run sequentially on the calling goroutine;
// concurrency is strictly inter-process (see the distributed package).
package pipeline

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gopipe/gopipe/distributed"
	"github.com/gopipe/gopipe/pipeline/microbatch"
	"github.com/gopipe/gopipe/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ReshardFn optionally re-distributes a raw input tensor before chunking, e.g.
// a tensor-parallel resharding collective. It is an external collaborator
// operation: the runtime only provides the hook point.
type ReshardFn func(name string, value *tensors.Tensor) *tensors.Tensor

// Config configures a PipelineStage. Fields without a default are required.
type Config struct {
	// Schedule policy composing the stage's primitive operations into a step.
	Schedule ScheduleType

	// Nodes is the driver-compiled node list of the whole program, covering
	// every stage's forward/backward/step segments and their dependency
	// metadata.
	Nodes []Node

	// Meta is the program-wide static metadata.
	Meta *Meta

	// StageIdx of this process's stage, in [0, Meta.NumStages).
	StageIdx int

	// Program with this stage's opaque forward/backward/step callables.
	Program StageProgram

	// NumChunks is the number of microbatch chunks per step. Minimum of 1.
	NumChunks int

	// InputChunkSpec optionally overrides how each raw input is split into
	// chunks. Defaults to splitting along axis 0.
	InputChunkSpec map[string]microbatch.Spec

	// ReturnsChunkSpec optionally overrides how each declared return value is
	// reassembled from its chunks. Defaults to concatenation along axis 0.
	ReturnsChunkSpec map[string]microbatch.Spec

	// Group is this process's view of the established transport group. One
	// stage per process is required.
	Group distributed.Group

	// ReturnToAllStages makes every stage return the globally merged result,
	// at the cost of one all-gather per step. If false, Call returns only the
	// locally produced return values.
	ReturnToAllStages bool

	// AccumulateGradsInPlace sums per-chunk gradients into the reduced
	// accumulators as they are produced, bounding peak memory to O(1) chunks
	// of gradient storage instead of O(numChunks). If false, gradients are
	// tree-reduced at the end of the step.
	AccumulateGradsInPlace bool

	// Reshard is an optional hook applied to every raw input before chunking.
	Reshard ReshardFn
}

// PipelineStage is the per-process pipeline runtime: it owns the communication
// plans, the per-chunk buffers and the opaque compute callables of one stage,
// and exposes the primitive operations a Schedule composes into a full
// training step.
//
// A PipelineStage is not safe for concurrent use; all methods must be called
// from a single goroutine (the process's control thread).
type PipelineStage struct {
	name     string
	stageIdx int
	meta     *Meta
	program  StageProgram

	numChunks        int
	inputChunkSpec   map[string]microbatch.Spec
	returnsChunkSpec map[string]microbatch.Spec

	group             distributed.Group
	groupRank         int
	numStages         int
	stageToGroupRank  map[int]int
	returnToAll       bool
	accumulateInPlace bool
	reshard           ReshardFn

	fwNode, bwNode, stepNode *Node

	fwRecvInfo []sourceRecvs
	fwSendInfo []destSends
	bwRecvInfo []sourceRecvs
	bwSendInfo []destSends

	// Runtime state, reset every step.
	curFwSendChunk Store
	curBwSendChunk Store
	curFwChunkID   int
	curBwChunkID   int

	kwargsChunks       []Store
	savedTensorsChunks []Store
	stepGradsChunks    []Store
	outputGradsChunks  []Store
	returnsChunks      []Store

	// savedParams is the stage-lifetime parameter store handed to Forward and
	// Step; the program populates it on first use.
	savedParams Store

	outputGradsReduced Store
	stepGradsReduced   Store

	schedule schedule
}

// NewPipelineStage constructs the runtime for one stage. All configuration
// errors -- stage/process-count mismatch, duplicate or missing segment nodes, a
// schedule requiring a backward segment that doesn't exist -- are reported
// here, never retried.
func NewPipelineStage(cfg Config) (*PipelineStage, error) {
	if cfg.Program == nil {
		return nil, errors.Errorf("pipeline.NewPipelineStage: Program must be set")
	}
	if cfg.Group == nil {
		return nil, errors.Errorf("pipeline.NewPipelineStage: Group must be set")
	}
	if cfg.Meta == nil || cfg.Meta.NumStages < 1 {
		return nil, errors.Errorf("pipeline.NewPipelineStage: Meta with NumStages >= 1 must be set")
	}
	if cfg.StageIdx < 0 || cfg.StageIdx >= cfg.Meta.NumStages {
		return nil, errors.Errorf("pipeline.NewPipelineStage: StageIdx %d out of range, program has %d stages", cfg.StageIdx, cfg.Meta.NumStages)
	}
	if cfg.NumChunks < 1 {
		return nil, errors.Errorf("pipeline.NewPipelineStage: NumChunks must be >= 1, got %d", cfg.NumChunks)
	}

	groupSize := cfg.Group.Size()
	if groupSize > cfg.Meta.NumStages {
		return nil, errors.Errorf("pipeline.NewPipelineStage: group has %d processes but program declares only %d stages, some processes would be unused", groupSize, cfg.Meta.NumStages)
	}
	if groupSize != cfg.Meta.NumStages {
		return nil, errors.Errorf("pipeline.NewPipelineStage: group has %d processes for %d stages, exactly one stage per process is required", groupSize, cfg.Meta.NumStages)
	}

	fw, bw, step, err := findStageNodes(cfg.Nodes, cfg.StageIdx)
	if err != nil {
		return nil, errors.WithMessagef(err, "locating segments of stage %d", cfg.StageIdx)
	}

	s := &PipelineStage{
		name:              fmt.Sprintf("stage_%d", cfg.StageIdx),
		stageIdx:          cfg.StageIdx,
		meta:              cfg.Meta,
		program:           cfg.Program,
		numChunks:         cfg.NumChunks,
		inputChunkSpec:    cfg.InputChunkSpec,
		returnsChunkSpec:  cfg.ReturnsChunkSpec,
		group:             cfg.Group,
		groupRank:         cfg.Group.Rank(),
		numStages:         cfg.Meta.NumStages,
		returnToAll:       cfg.ReturnToAllStages,
		accumulateInPlace: cfg.AccumulateGradsInPlace,
		reshard:           cfg.Reshard,
		fwNode:            fw,
		bwNode:            bw,
		stepNode:          step,
	}

	// Stage index to group rank mapping; with one stage per process this is
	// the identity, the modulo keeps the door open for wrapped-around
	// interleaving.
	s.stageToGroupRank = make(map[int]int, s.numStages)
	for i := 0; i < s.numStages; i++ {
		s.stageToGroupRank[i] = i % groupSize
	}

	if err = s.initCommunication(); err != nil {
		return nil, err
	}
	s.initRuntimeStates()

	s.schedule, err = newSchedule(cfg.Schedule, s)
	if err != nil {
		return nil, err
	}

	if klog.V(1).Enabled() {
		var recvBufferBytes uintptr
		for _, plan := range [][]sourceRecvs{s.fwRecvInfo, s.bwRecvInfo} {
			for _, recvs := range plan {
				for _, ph := range recvs.placeholders {
					if rph, ok := ph.(*recvPlaceholder); ok {
						recvBufferBytes += rph.buffer.Memory()
					}
				}
			}
		}
		klog.Infof("pipeline: created %s of %d (schedule=%s, %d chunks, %s of receive buffers)",
			s.name, s.numStages, cfg.Schedule, s.numChunks, humanize.Bytes(uint64(recvBufferBytes)))
	}
	return s, nil
}

// initCommunication builds the send/recv plans for activations (forward) and
// gradients (backward) from the static dependency metadata. Pure function of
// the node list, computed once and cached for the stage's lifetime.
func (s *PipelineStage) initCommunication() (err error) {
	s.fwRecvInfo, err = createRecvInfo(s.fwNode, true)
	if err != nil {
		return err
	}
	s.fwSendInfo = createSendInfo(s.fwNode, true)
	if s.bwNode != nil {
		s.bwRecvInfo, err = createRecvInfo(s.bwNode, false)
		if err != nil {
			return err
		}
		s.bwSendInfo = createSendInfo(s.bwNode, false)
	}
	return nil
}

func (s *PipelineStage) initRuntimeStates() {
	newChunked := func() []Store {
		chunks := make([]Store, s.numChunks)
		for ii := range chunks {
			chunks[ii] = make(Store)
		}
		return chunks
	}
	s.kwargsChunks = newChunked()
	s.savedTensorsChunks = newChunked()
	s.stepGradsChunks = newChunked()
	s.outputGradsChunks = newChunked()
	s.returnsChunks = newChunked()
	s.savedParams = make(Store)
	s.outputGradsReduced = make(Store)
	s.stepGradsReduced = make(Store)
}

// resetAndCheckRuntimeStates prepares a new step and enforces the empty-buffer
// invariant: every per-chunk buffer except kwargs must be empty at step start.
// A violation signals a runtime bug in a previous step (e.g. an exception left
// buffers half-populated) and is fatal, never silently recovered.
func (s *PipelineStage) resetAndCheckRuntimeStates() {
	s.curFwSendChunk = nil
	s.curBwSendChunk = nil
	s.curFwChunkID = 0
	s.curBwChunkID = 0

	for _, chunk := range s.kwargsChunks {
		clear(chunk)
	}
	checkEmpty := func(what string, chunks []Store) {
		for ii, chunk := range chunks {
			if len(chunk) != 0 {
				exceptions.Panicf("pipeline: %s: %s buffer of chunk %d not empty at step start (%d entries), previous step left the stage in a corrupt state",
					s.name, what, ii, len(chunk))
			}
		}
	}
	checkEmpty("returns", s.returnsChunks)
	checkEmpty("saved-tensors", s.savedTensorsChunks)
	checkEmpty("step-grads", s.stepGradsChunks)
	checkEmpty("output-grads", s.outputGradsChunks)
	if len(s.outputGradsReduced) != 0 || len(s.stepGradsReduced) != 0 {
		exceptions.Panicf("pipeline: %s: reduced gradient accumulators not empty at step start (%d output grads, %d step grads)",
			s.name, len(s.outputGradsReduced), len(s.stepGradsReduced))
	}
}

// StageIdx returns the index of this stage along the pipeline.
func (s *PipelineStage) StageIdx() int { return s.stageIdx }

// NumStages returns the total number of stages of the pipeline.
func (s *PipelineStage) NumStages() int { return s.numStages }

// NumChunks returns the number of microbatch chunks per step.
func (s *PipelineStage) NumChunks() int { return s.numChunks }

// HasBackward returns whether this stage has a backward segment.
func (s *PipelineStage) HasBackward() bool { return s.bwNode != nil }

// HasStep returns whether this stage has an optimizer-step segment.
func (s *PipelineStage) HasStep() bool { return s.stepNode != nil }

// String implements fmt.Stringer.
func (s *PipelineStage) String() string {
	return fmt.Sprintf("PipelineStage(%s of %d)", s.name, s.numStages)
}

// createRecvOps converts one source's receive plan into transport operations.
func (s *PipelineStage) createRecvOps(recvs sourceRecvs) []distributed.P2POp {
	var ops []distributed.P2POp
	for _, ph := range recvs.placeholders {
		rph, ok := ph.(*recvPlaceholder)
		if !ok {
			continue // kwarg placeholders involve no network transfer
		}
		ops = append(ops, distributed.P2POp{
			Kind:   distributed.OpRecv,
			Peer:   s.stageToGroupRank[rph.source],
			Name:   rph.name,
			Tensor: rph.buffer,
		})
	}
	return ops
}

// postRecvs posts the receive batches of a direction's plan, in plan order,
// optionally waiting for completion.
func (s *PipelineStage) postRecvs(plan []sourceRecvs, wait bool) []distributed.Handle {
	var handles []distributed.Handle
	for _, recvs := range plan {
		ops := s.createRecvOps(recvs)
		if len(ops) == 0 {
			continue
		}
		handles = append(handles, s.group.PostBatch(ops)...)
	}
	if wait {
		distributed.WaitAll(handles)
	}
	return handles
}

// postSends posts the send batches of a direction's plan against the given
// output values, non-blocking.
func (s *PipelineStage) postSends(plan []destSends, outputs Store) []distributed.Handle {
	var handles []distributed.Handle
	for _, sends := range plan {
		ops := make([]distributed.P2POp, 0, len(sends.names))
		for _, name := range sends.names {
			value, found := outputs[name]
			if !found || value == nil {
				exceptions.Panicf("pipeline: %s: compute callable did not produce output %q required by the send plan", s.name, name)
			}
			ops = append(ops, distributed.P2POp{
				Kind:   distributed.OpSend,
				Peer:   s.stageToGroupRank[sends.destination],
				Name:   name,
				Tensor: value,
			})
		}
		if len(ops) > 0 {
			handles = append(handles, s.group.PostBatch(ops)...)
		}
	}
	return handles
}

// collectKwargs gathers one chunk's inputs for a compute callable:
// network-received values are cloned out of the reusable receive buffers --
// a later chunk's receive overwrites the same physical buffer -- and locally
// supplied values come from the chunk's split kwargs.
func (s *PipelineStage) collectKwargs(plan []sourceRecvs, chunk int) Store {
	chunkKwargs := s.kwargsChunks[chunk]
	composite := make(Store)
	for _, recvs := range plan {
		for _, ph := range recvs.placeholders {
			switch p := ph.(type) {
			case *recvPlaceholder:
				composite[p.name] = p.buffer.Clone()
			case kwargPlaceholder:
				value, found := chunkKwargs[p.name]
				if !found {
					exceptions.Panicf("pipeline: %s: chunk %d is missing raw input %q", s.name, chunk, p.name)
				}
				composite[p.name] = value
			}
		}
	}
	return composite
}

// ForwardRecvOneChunk posts all forward receive operations for the current
// forward chunk, optionally blocking until complete. It returns the pending
// handles so a Schedule can defer the wait.
func (s *PipelineStage) ForwardRecvOneChunk(wait bool) []distributed.Handle {
	return s.postRecvs(s.fwRecvInfo, wait)
}

// ForwardComputeOneChunk gathers the current chunk's kwargs, invokes the
// forward callable, stores its side-channel outputs into the chunk's
// saved-tensor and returns buffers and advances the forward chunk counter.
func (s *PipelineStage) ForwardComputeOneChunk() {
	chunk := s.curFwChunkID
	kwargs := s.collectKwargs(s.fwRecvInfo, chunk)
	logTensorDict(fmt.Sprintf("%s forward inputs of chunk %d", s.name, chunk), kwargs)
	s.curFwSendChunk = s.program.Forward(
		s.savedTensorsChunks[chunk],
		s.savedParams,
		s.returnsChunks[chunk],
		kwargs,
	)
	s.curFwChunkID++
	klog.V(2).Infof("pipeline: %s: forward compute of chunk %d done", s.name, chunk)
}

// ForwardSendOneChunk posts the sends of the just-computed chunk's outputs per
// the forward send plan. Non-blocking: it returns the pending handles.
func (s *PipelineStage) ForwardSendOneChunk() []distributed.Handle {
	return s.postSends(s.fwSendInfo, s.curFwSendChunk)
}

// BackwardRecvOneChunk posts all backward receive operations for the current
// backward chunk, optionally blocking until complete. It returns the pending
// handles so a Schedule can defer the wait.
func (s *PipelineStage) BackwardRecvOneChunk(wait bool) []distributed.Handle {
	return s.postRecvs(s.bwRecvInfo, wait)
}

// BackwardComputeOneChunk mirrors ForwardComputeOneChunk for the backward
// direction. With AccumulateGradsInPlace it additionally sums the newly
// produced per-chunk gradients into the reduced accumulators and clears the
// per-chunk slots immediately, bounding peak memory to O(1) chunks of gradient
// storage.
func (s *PipelineStage) BackwardComputeOneChunk() {
	chunk := s.curBwChunkID
	kwargs := s.collectKwargs(s.bwRecvInfo, chunk)
	logTensorDict(fmt.Sprintf("%s backward inputs of chunk %d", s.name, chunk), kwargs)
	s.curBwSendChunk = s.program.Backward(
		s.savedTensorsChunks[chunk],
		s.stepGradsChunks[chunk],
		s.outputGradsChunks[chunk],
		kwargs,
	)

	if s.accumulateInPlace {
		accumulate := func(reduced, grads Store) {
			for name, grad := range grads {
				if acc, found := reduced[name]; found {
					acc.AddFrom(grad)
				} else {
					reduced[name] = grad
				}
			}
		}
		accumulate(s.stepGradsReduced, s.stepGradsChunks[chunk])
		clear(s.stepGradsChunks[chunk])
		accumulate(s.outputGradsReduced, s.outputGradsChunks[chunk])
		clear(s.outputGradsChunks[chunk])
	}

	s.curBwChunkID++
	klog.V(2).Infof("pipeline: %s: backward compute of chunk %d done", s.name, chunk)
}

// BackwardSendOneChunk posts the sends of the just-computed chunk's gradients
// per the backward send plan. Non-blocking: it returns the pending handles.
func (s *PipelineStage) BackwardSendOneChunk() []distributed.Handle {
	return s.postSends(s.bwSendInfo, s.curBwSendChunk)
}

// treeReduceTensors sums the given per-chunk tensors pairwise. The inputs are
// not modified.
func treeReduceTensors(chunks []*tensors.Tensor) *tensors.Tensor {
	round := make([]*tensors.Tensor, len(chunks))
	copy(round, chunks)
	owned := make([]bool, len(chunks)) // whether round[i] is a private copy
	for len(round) > 1 {
		half := (len(round) + 1) / 2
		for i := 0; i+half < len(round); i++ {
			if !owned[i] {
				round[i] = round[i].Clone()
				owned[i] = true
			}
			round[i].AddFrom(round[i+half])
		}
		round = round[:half]
		owned = owned[:half]
	}
	if !owned[0] {
		round[0] = round[0].Clone()
	}
	return round[0]
}

// treeReduceStores reduces the C per-chunk stores into a single store by
// key-wise tree reduction. Every chunk must hold the same keys.
func (s *PipelineStage) treeReduceStores(what string, chunks []Store) Store {
	reduced := make(Store, len(chunks[0]))
	for name := range chunks[0] {
		perChunk := make([]*tensors.Tensor, len(chunks))
		for ii, chunk := range chunks {
			grad, found := chunk[name]
			if !found {
				exceptions.Panicf("pipeline: %s: %s %q present in chunk 0 but missing in chunk %d", s.name, what, name, ii)
			}
			perChunk[ii] = grad
		}
		reduced[name] = treeReduceTensors(perChunk)
	}
	for ii, chunk := range chunks {
		if len(chunk) != len(chunks[0]) {
			exceptions.Panicf("pipeline: %s: %s of chunk %d holds %d entries, chunk 0 holds %d", s.name, what, ii, len(chunk), len(chunks[0]))
		}
	}
	return reduced
}

// MergeAndAssignChunkedGrads combines the per-chunk gradients into the reduced
// accumulators (a no-op when AccumulateGradsInPlace already did so
// incrementally) and, if this stage has no step segment, writes each reduced
// output gradient onto the corresponding parameter's gradient slot via the
// bijective parameter-name <-> value-name translations. The reduced output-grad
// accumulator is always cleared afterwards.
func (s *PipelineStage) MergeAndAssignChunkedGrads() {
	if !s.accumulateInPlace {
		s.stepGradsReduced = s.treeReduceStores("step gradient", s.stepGradsChunks)
		for _, chunk := range s.stepGradsChunks {
			clear(chunk)
		}
		s.outputGradsReduced = s.treeReduceStores("output gradient", s.outputGradsChunks)
		for _, chunk := range s.outputGradsChunks {
			clear(chunk)
		}
	}

	if s.stepNode == nil {
		for gradName, grad := range s.outputGradsReduced {
			paramName := s.meta.ParamsToOutputGrads.InvGet(gradName)
			paramInput := s.meta.ParamsToInputs.Get(paramName)
			s.program.AssignParamGrad(paramInput, grad)
		}
	}
	s.outputGradsReduced = make(Store)
}

// Step invokes the opaque optimizer-step callable with the accumulated
// parameter state and the reduced gradients.
func (s *PipelineStage) Step() {
	s.program.Step(s.savedParams, s.stepGradsReduced)
	s.stepGradsReduced = make(Store)
}

// MergeChunkedReturns merges the per-chunk return buffers into this stage's
// partial result and, if ReturnToAllStages is set, exchanges partial results
// across all stages and reassembles the globally complete result: for each
// declared return value the first non-absent contribution wins -- a disjoint
// union, since each value is fully produced by exactly one stage.
func (s *PipelineStage) MergeChunkedReturns() (Store, error) {
	for _, chunk := range s.returnsChunks {
		for _, name := range s.meta.ReturnNames {
			if _, found := chunk[name]; !found {
				chunk[name] = nil
			}
		}
	}
	merged, err := microbatch.MergeChunks(s.returnsChunks, s.returnsChunkSpec)
	if err != nil {
		return nil, errors.WithMessagef(err, "merging chunked returns of %s", s.name)
	}
	for _, chunk := range s.returnsChunks {
		clear(chunk)
	}

	if !s.returnToAll {
		return merged, nil
	}

	gathered := s.group.AllGather(merged)
	result := make(Store, len(s.meta.ReturnNames))
	for _, partial := range gathered {
		if partial == nil {
			continue
		}
		for name, value := range partial.(map[string]*tensors.Tensor) {
			if value == nil {
				continue
			}
			if _, found := result[name]; !found {
				result[name] = value
			}
		}
	}
	for _, name := range s.meta.ReturnNames {
		if _, found := result[name]; !found {
			return nil, errors.Errorf("return value %q was not produced by any stage", name)
		}
	}
	return result, nil
}

// splitInputs splits the step's raw inputs into the per-chunk kwargs buffers.
func (s *PipelineStage) splitInputs(inputs Store) error {
	chunks, err := microbatch.SplitIntoChunks(inputs, s.numChunks, s.inputChunkSpec)
	if err != nil {
		return errors.WithMessagef(err, "splitting inputs of %s into %d chunks", s.name, s.numChunks)
	}
	s.kwargsChunks = chunks
	return nil
}

// Call runs one full training step: it resets the per-iteration buffers
// (asserting the empty-buffer invariant), applies the optional resharding hook
// to the raw inputs, splits them into chunks, runs the configured Schedule to
// completion and returns the merged result.
//
// Inputs are keyed by the program's input value names. Invariant violations and
// transport failures surface as errors; the step has then failed as a whole and
// the stage must be considered unusable (recovery is a whole-process restart
// concern of the driver).
func (s *PipelineStage) Call(inputs Store) (result Store, err error) {
	err = exceptions.TryCatch[error](func() {
		s.resetAndCheckRuntimeStates()

		if s.reshard != nil {
			resharded := make(Store, len(inputs))
			for name, value := range inputs {
				resharded[name] = s.reshard(name, value)
			}
			inputs = resharded
		}

		if errSplit := s.splitInputs(inputs); errSplit != nil {
			panic(errSplit)
		}

		s.schedule.run()

		var errMerge error
		result, errMerge = s.MergeChunkedReturns()
		if errMerge != nil {
			panic(errMerge)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "pipeline step failed on %s", s.name)
	}
	return result, nil
}
