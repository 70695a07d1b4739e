// gopipe_demo trains a toy multi-stage linear model with pipeline parallelism,
// running one goroutine per stage over the in-process transport. It is both a
// smoke test and a template for wiring a real partitioned program into the
// runtime.
//
// The model is a chain of elementwise scalings: stage i owns a weight vector
// w_i and computes act_i = act_{i-1} * w_i, with act_{-1} = x. The last stage
// computes the mean squared error against y and seeds the backward chain. Data
// is synthetic, so the learned per-stage weights should drive the loss towards
// zero.
//
// Example:
//
//	go run ./cmd/gopipe_demo --stages=4 --chunks=8 --schedule=dapple
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gopipe/gopipe/distributed/local"
	"github.com/gopipe/gopipe/pipeline"
	"github.com/gopipe/gopipe/pipeline/microbatch"
	"github.com/gopipe/gopipe/types/onetoone"
	"github.com/gopipe/gopipe/types/shapes"
	"github.com/gopipe/gopipe/types/tensors"
	"github.com/gopipe/gopipe/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagStages   = flag.Int("stages", 4, "Number of pipeline stages, each running on its own goroutine.")
	flagChunks   = flag.Int("chunks", 8, "Number of microbatch chunks per step.")
	flagSteps    = flag.Int("steps", 200, "Number of training steps.")
	flagBatch    = flag.Int("batch", 64, "Batch size per step. Must be divisible by --chunks.")
	flagDim      = flag.Int("dim", 8, "Feature dimension.")
	flagLR       = flag.Float64("lr", 0.1, "Learning rate.")
	flagSchedule = flag.String("schedule", "dapple", "Pipeline schedule: \"gpipe\" or \"dapple\".")
)

func actName(stageIdx int) string  { return fmt.Sprintf("act_%d", stageIdx) }
func gradName(stageIdx int) string { return fmt.Sprintf("grad_act_%d", stageIdx) }
func weightName(stage int) string  { return fmt.Sprintf("w_%d", stage) }

// buildNodes creates the compiled-program metadata of the linear chain: each
// stage has forward, backward and step nodes, activations flow downstream and
// their gradients flow back upstream.
func buildNodes(numStages, batch, dim int) []pipeline.Node {
	batchShape := shapes.Make(dtypes.Float32, batch, dim)
	nodes := make([]pipeline.Node, 0, 3*numStages)
	for stage := 0; stage < numStages; stage++ {
		fw := pipeline.Node{Name: pipeline.ForwardNodeName(stage)}
		if stage == 0 {
			fw.Inputs = append(fw.Inputs, pipeline.ValueMeta{Name: "x", Source: pipeline.LocalSource})
		} else {
			fw.Inputs = append(fw.Inputs, pipeline.ValueMeta{Name: actName(stage - 1), Source: stage - 1, Shape: batchShape})
		}
		if stage == numStages-1 {
			fw.Inputs = append(fw.Inputs, pipeline.ValueMeta{Name: "y", Source: pipeline.LocalSource})
		} else {
			fw.Outputs = append(fw.Outputs, pipeline.OutputMeta{Name: actName(stage), Consumers: []int{stage + 1}})
		}

		bw := pipeline.Node{Name: pipeline.BackwardNodeName(stage)}
		if stage < numStages-1 {
			bw.Inputs = append(bw.Inputs, pipeline.ValueMeta{Name: gradName(stage), Source: stage + 1, Shape: batchShape})
		}
		if stage > 0 {
			bw.Outputs = append(bw.Outputs, pipeline.OutputMeta{Name: gradName(stage - 1), Consumers: []int{stage - 1}})
		}

		step := pipeline.Node{Name: pipeline.StepNodeName(stage)}
		nodes = append(nodes, fw, bw, step)
	}
	return nodes
}

// newStageProgram builds the compute callables of one stage of the chain.
func newStageProgram(stage, numStages, dim, totalBatch int, lr float64) *pipeline.SimpleProgram {
	wName := weightName(stage)
	gradW := "grad_" + wName
	inName := "x"
	if stage > 0 {
		inName = actName(stage - 1)
	}
	isLast := stage == numStages-1

	wData := make([]float32, dim)
	for ii := range wData {
		wData[ii] = 0.5 + rand.Float32() // random positive init
	}
	p := &pipeline.SimpleProgram{
		ParamsStore:  pipeline.Store{wName: tensors.FromFlatDataAndDimensions(wData, dim)},
		BuffersStore: pipeline.Store{},
		OptState:     map[string]any{"lr": lr},
	}

	p.ForwardFn = func(savedTensors, params, returns, kwargs pipeline.Store) pipeline.Store {
		params[wName] = p.ParamsStore[wName]
		x := kwargs[inName]
		w := tensors.ConstFlatData[float32](p.ParamsStore[wName])
		out := tensors.FromShape(x.Shape())
		xFlat := tensors.ConstFlatData[float32](x)
		outFlat := tensors.MutableFlatData[float32](out)
		for ii, v := range xFlat {
			outFlat[ii] = v * w[ii%dim]
		}
		savedTensors["input"] = x
		if !isLast {
			return pipeline.Store{actName(stage): out}
		}

		// Last stage: mean squared error against y, which also seeds backward.
		y := tensors.ConstFlatData[float32](kwargs["y"])
		diff := tensors.FromShape(x.Shape())
		diffFlat := tensors.MutableFlatData[float32](diff)
		var loss float32
		for ii := range outFlat {
			diffFlat[ii] = outFlat[ii] - y[ii]
			loss += diffFlat[ii] * diffFlat[ii]
		}
		savedTensors["diff"] = diff
		returns["loss"] = tensors.FromScalar(loss / float32(totalBatch*dim))
		return pipeline.Store{}
	}

	p.BackwardFn = func(savedTensors, stepGrads, outputGrads, kwargs pipeline.Store) pipeline.Store {
		x := savedTensors["input"]
		delete(savedTensors, "input")
		var gOut []float32
		if isLast {
			diff := savedTensors["diff"]
			delete(savedTensors, "diff")
			gOut = tensors.MutableFlatData[float32](diff)
			scale := 2.0 / float32(totalBatch*dim)
			for ii := range gOut {
				gOut[ii] *= scale
			}
		} else {
			gOut = tensors.ConstFlatData[float32](kwargs[gradName(stage)])
		}

		xFlat := tensors.ConstFlatData[float32](x)
		gw := make([]float32, dim)
		for ii, g := range gOut {
			gw[ii%dim] += xFlat[ii] * g
		}
		stepGrads[gradW] = tensors.FromFlatDataAndDimensions(gw, dim)
		if stage == 0 {
			return pipeline.Store{}
		}

		w := tensors.ConstFlatData[float32](p.ParamsStore[wName])
		gIn := tensors.FromShape(x.Shape())
		gInFlat := tensors.MutableFlatData[float32](gIn)
		for ii, g := range gOut {
			gInFlat[ii] = w[ii%dim] * g
		}
		return pipeline.Store{gradName(stage - 1): gIn}
	}

	p.StepFn = func(params, reducedGrads pipeline.Store) {
		w := tensors.MutableFlatData[float32](params[wName])
		g := tensors.ConstFlatData[float32](reducedGrads[gradW])
		for ii := range w {
			w[ii] -= float32(lr) * g[ii]
		}
	}
	return p
}

// makeBatch draws the synthetic batch of the given step: x uniform in [-1, 1),
// y = x * prod(wTrue). Seeded by step so the first and last stages, which draw
// it independently, agree on the data.
func makeBatch(step, batch, dim int, wTrue []float32) (x, y *tensors.Tensor) {
	rng := rand.New(rand.NewPCG(42, uint64(step)))
	x = tensors.FromShape(shapes.Make(dtypes.Float32, batch, dim))
	y = tensors.FromShape(shapes.Make(dtypes.Float32, batch, dim))
	xFlat := tensors.MutableFlatData[float32](x)
	yFlat := tensors.MutableFlatData[float32](y)
	for ii := range xFlat {
		xFlat[ii] = 2*rng.Float32() - 1
		yFlat[ii] = xFlat[ii] * wTrue[ii%dim]
	}
	return
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	numStages, numChunks := *flagStages, *flagChunks
	batch, dim := *flagBatch, *flagDim
	if batch%numChunks != 0 {
		klog.Exitf("--batch=%d must be divisible by --chunks=%d", batch, numChunks)
	}
	var scheduleType pipeline.ScheduleType
	switch strings.ToLower(*flagSchedule) {
	case "gpipe":
		scheduleType = pipeline.ScheduleGPipe
	case "dapple", "1f1b":
		scheduleType = pipeline.ScheduleDAPPLE
	default:
		klog.Exitf("unknown --schedule=%q, want \"gpipe\" or \"dapple\"", *flagSchedule)
	}

	// The true weights the chain should learn the factorization of.
	wTrue := make([]float32, dim)
	for ii := range wTrue {
		wTrue[ii] = 0.5 + 2*rand.Float32()
	}

	nodes := buildNodes(numStages, batch/numChunks, dim)
	// Every stage has its own optimizer step, so the parameter-name
	// translations needed by step-less stages stay empty.
	meta := &pipeline.Meta{
		NumStages:           numStages,
		ReturnNames:         []string{"loss"},
		ParamsToInputs:      onetoone.New[string, string](),
		ParamsToOutputGrads: onetoone.New[string, string](),
	}

	groups := local.NewWorld(numStages)
	stages := make([]*pipeline.PipelineStage, numStages)
	for stage := range stages {
		stages[stage] = must.M1(pipeline.NewPipelineStage(pipeline.Config{
			Schedule:          scheduleType,
			Nodes:             nodes,
			Meta:              meta,
			StageIdx:          stage,
			Program:           newStageProgram(stage, numStages, dim, batch, *flagLR),
			NumChunks:         numChunks,
			ReturnsChunkSpec:  map[string]microbatch.Spec{"loss": microbatch.SumReducer()},
			Group:             groups[stage],
			ReturnToAllStages: true,
		}))
	}

	progress := commandline.NewStepProgress(*flagSteps, []string{"Loss"})
	var wg sync.WaitGroup
	for stage := range stages {
		wg.Add(1)
		go func(stage int) {
			defer wg.Done()
			for step := 0; step < *flagSteps; step++ {
				inputs := pipeline.Store{}
				if stage == 0 || stage == numStages-1 {
					x, y := makeBatch(step, batch, dim, wTrue)
					if stage == 0 {
						inputs["x"] = x
					}
					if stage == numStages-1 {
						inputs["y"] = y
					}
				}
				result := must.M1(stages[stage].Call(inputs))
				if stage == 0 {
					loss := tensors.ToScalar[float32](result["loss"])
					progress.Update(step, fmt.Sprintf("%.6f", loss))
				}
			}
		}(stage)
	}
	wg.Wait()
	progress.Done()

	// Gather the learned per-stage weights and compare their product against
	// the true weights.
	allParams := make([]pipeline.Store, numStages)
	for stage := range stages {
		wg.Add(1)
		go func(stage int) {
			defer wg.Done()
			allParams[stage] = stages[stage].NamedParameters(true)
		}(stage)
	}
	wg.Wait()
	learned := make([]float32, dim)
	for ii := range learned {
		learned[ii] = 1
	}
	for stage := 0; stage < numStages; stage++ {
		w := tensors.ConstFlatData[float32](allParams[0][weightName(stage)])
		for ii := range learned {
			learned[ii] *= w[ii]
		}
	}
	fmt.Printf("true weights:    %.4v\n", wTrue)
	fmt.Printf("learned product: %.4v\n", learned)
}
