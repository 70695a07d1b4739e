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
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gopipe/gopipe/types/onetoone"
	"github.com/gopipe/gopipe/types/shapes"
	"github.com/gopipe/gopipe/types/tensors"
	"github.com/pkg/errors"
)

// Store is a mutable named collection of tensors. Per-chunk buffers, parameter
// stores and gradient accumulators are all Stores.
type Store = map[string]*tensors.Tensor

// LocalSource is the synthetic producing-stage index of values that originate
// from the step's raw arguments rather than from a peer stage. Local values are
// only valid as forward inputs: a backward pass cannot take raw step arguments.
const LocalSource = -1

// ValueMeta describes one named input of a compute node: which stage produces
// it (or LocalSource) and an example shape descriptor, used to size the receive
// buffer.
type ValueMeta struct {
	Name   string
	Source int
	Shape  shapes.Shape
}

// OutputMeta describes one named output of a compute node and the stage indices
// that consume it.
type OutputMeta struct {
	Name      string
	Consumers []int
}

// Node is one compute node of the driver-compiled program: a stage's forward,
// backward or step segment, identified by name (see ForwardNodeName and
// friends), together with the static dependency metadata of its inputs and
// outputs.
type Node struct {
	Name    string
	Inputs  []ValueMeta
	Outputs []OutputMeta
}

// ForwardNodeName returns the conventional node name of a stage's forward
// segment.
func ForwardNodeName(stageIdx int) string { return fmt.Sprintf("stage_%d_fw", stageIdx) }

// BackwardNodeName returns the conventional node name of a stage's backward
// segment.
func BackwardNodeName(stageIdx int) string { return fmt.Sprintf("stage_%d_bw", stageIdx) }

// StepNodeName returns the conventional node name of a stage's optimizer-step
// segment.
func StepNodeName(stageIdx int) string { return fmt.Sprintf("stage_%d_step", stageIdx) }

// findStageNodes locates this stage's forward, backward and step nodes in the
// compiled node list. The forward node is required; backward and step are
// optional. Duplicates are a configuration error.
func findStageNodes(nodes []Node, stageIdx int) (fw, bw, step *Node, err error) {
	find := func(name string) (*Node, error) {
		var found *Node
		for ii := range nodes {
			if nodes[ii].Name != name {
				continue
			}
			if found != nil {
				return nil, errors.Errorf("multiple %q nodes found in compiled program", name)
			}
			found = &nodes[ii]
		}
		return found, nil
	}
	if fw, err = find(ForwardNodeName(stageIdx)); err == nil && fw == nil {
		err = errors.Errorf("cannot find node %q in compiled program", ForwardNodeName(stageIdx))
	}
	if err == nil {
		bw, err = find(BackwardNodeName(stageIdx))
	}
	if err == nil {
		step, err = find(StepNodeName(stageIdx))
	}
	if err == nil && step != nil && bw == nil {
		err = errors.Errorf("stage %d declares a step node but no backward node", stageIdx)
	}
	return
}

// Meta is the static metadata of the whole compiled program, shared by all
// stages.
type Meta struct {
	// NumStages in the pipeline.
	NumStages int

	// ReturnNames lists the declared final return values of a step, in
	// declaration order. Each must be fully produced by exactly one stage.
	ReturnNames []string

	// ParamsToInputs maps a parameter name to the input value name under which
	// the parameter enters the forward segment.
	ParamsToInputs *onetoone.Map[string, string]

	// ParamsToOutputGrads maps a parameter name to the output-gradient value
	// name under which its gradient leaves the backward segment. Only needed by
	// stages with no step segment, which assign gradients back onto parameters.
	ParamsToOutputGrads *onetoone.Map[string, string]
}

// StageProgram is the opaque compiled program of one stage, supplied by the
// graph compiler. The runtime never looks inside the callables: it only routes
// stores and kwargs in and out of them per the node list's dependency metadata.
//
// Backward and Step are only invoked when the node list declares the
// corresponding node for the stage.
type StageProgram interface {
	// Forward runs the stage's forward segment for one chunk. savedTensors
	// receives the intermediates backward will need, params is the stage-owned
	// parameter store, returns receives this chunk's contributions to declared
	// return values, and kwargs holds the chunk's inputs. It returns the
	// outputs to send downstream.
	Forward(savedTensors, params, returns, kwargs Store) Store

	// Backward runs the stage's backward segment for one chunk. stepGrads
	// receives per-parameter gradients destined to the optimizer step,
	// outputGrads receives output gradients awaiting reduction, and kwargs
	// holds the chunk's received gradients. It returns the gradients to send
	// upstream.
	//
	// Backward must delete the savedTensors entries it consumes: the runtime
	// asserts all per-chunk buffers are empty at the start of the next step.
	Backward(savedTensors, stepGrads, outputGrads, kwargs Store) Store

	// Step runs the optimizer step with the accumulated parameter state and
	// reduced gradients.
	Step(params, reducedGrads Store)

	// Params returns the stage's named parameters (the local shard).
	Params() Store

	// Buffers returns the stage's named non-trainable buffers (the local shard).
	Buffers() Store

	// AssignParamGrad writes the reduced gradient onto the gradient slot of the
	// parameter entering the forward segment under input value name paramInput.
	// Only called on stages with no step segment.
	AssignParamGrad(paramInput string, grad *tensors.Tensor)

	// OptimizerStateDict returns the optimizer state of the local shard.
	OptimizerStateDict() map[string]any

	// LoadStateDict replaces parameters and buffers present in state. If strict,
	// unknown or missing names are an error.
	LoadStateDict(state Store, strict bool) error

	// LoadOptimizerStateDict replaces the optimizer state.
	LoadOptimizerStateDict(state map[string]any, strict bool) error
}

// SimpleProgram is a StageProgram backed by plain function fields and stores.
// It is convenient for tests, demos and hand-partitioned programs; a real graph
// compiler will typically bring its own StageProgram implementation.
type SimpleProgram struct {
	ForwardFn  func(savedTensors, params, returns, kwargs Store) Store
	BackwardFn func(savedTensors, stepGrads, outputGrads, kwargs Store) Store
	StepFn     func(params, reducedGrads Store)

	ParamsStore  Store
	BuffersStore Store
	// GradsStore holds the assigned per-parameter gradients of step-less
	// stages, keyed by the parameter's forward-input value name.
	GradsStore Store
	OptState   map[string]any
}

// Compile-time check:
var _ StageProgram = (*SimpleProgram)(nil)

// Forward implements StageProgram.
func (p *SimpleProgram) Forward(savedTensors, params, returns, kwargs Store) Store {
	return p.ForwardFn(savedTensors, params, returns, kwargs)
}

// Backward implements StageProgram.
func (p *SimpleProgram) Backward(savedTensors, stepGrads, outputGrads, kwargs Store) Store {
	if p.BackwardFn == nil {
		exceptions.Panicf("SimpleProgram: Backward called but BackwardFn is nil")
	}
	return p.BackwardFn(savedTensors, stepGrads, outputGrads, kwargs)
}

// Step implements StageProgram.
func (p *SimpleProgram) Step(params, reducedGrads Store) {
	if p.StepFn == nil {
		exceptions.Panicf("SimpleProgram: Step called but StepFn is nil")
	}
	p.StepFn(params, reducedGrads)
}

// Params implements StageProgram.
func (p *SimpleProgram) Params() Store { return p.ParamsStore }

// Buffers implements StageProgram.
func (p *SimpleProgram) Buffers() Store { return p.BuffersStore }

// AssignParamGrad implements StageProgram.
func (p *SimpleProgram) AssignParamGrad(paramInput string, grad *tensors.Tensor) {
	if p.GradsStore == nil {
		p.GradsStore = make(Store)
	}
	p.GradsStore[paramInput] = grad
}

// OptimizerStateDict implements StageProgram.
func (p *SimpleProgram) OptimizerStateDict() map[string]any { return p.OptState }

// LoadStateDict implements StageProgram.
func (p *SimpleProgram) LoadStateDict(state Store, strict bool) error {
	for name, value := range state {
		if _, found := p.ParamsStore[name]; found {
			p.ParamsStore[name] = value.Clone()
			continue
		}
		if _, found := p.BuffersStore[name]; found {
			p.BuffersStore[name] = value.Clone()
			continue
		}
		if strict {
			return errors.Errorf("LoadStateDict: unknown state %q", name)
		}
	}
	if strict {
		for name := range p.ParamsStore {
			if _, found := state[name]; !found {
				return errors.Errorf("LoadStateDict: missing parameter %q", name)
			}
		}
		for name := range p.BuffersStore {
			if _, found := state[name]; !found {
				return errors.Errorf("LoadStateDict: missing buffer %q", name)
			}
		}
	}
	return nil
}

// LoadOptimizerStateDict implements StageProgram.
func (p *SimpleProgram) LoadOptimizerStateDict(state map[string]any, strict bool) error {
	if strict && len(state) != len(p.OptState) {
		return errors.Errorf("LoadOptimizerStateDict: state has %d entries, optimizer has %d", len(state), len(p.OptState))
	}
	for name, value := range state {
		if _, found := p.OptState[name]; !found && strict {
			return errors.Errorf("LoadOptimizerStateDict: unknown state %q", name)
		}
		if p.OptState == nil {
			p.OptState = make(map[string]any)
		}
		p.OptState[name] = value
	}
	return nil
}
