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
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gopipe/gopipe/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planSources(plan []sourceRecvs) []int {
	sources := make([]int, len(plan))
	for ii, recvs := range plan {
		sources[ii] = recvs.source
	}
	return sources
}

func planNames(recvs sourceRecvs) []string {
	names := make([]string, len(recvs.placeholders))
	for ii, ph := range recvs.placeholders {
		names[ii] = ph.inputName()
	}
	return names
}

func TestCreateRecvInfoForward(t *testing.T) {
	sh := shapes.Make(dtypes.Float32, 2, 2)
	node := &Node{
		Name: ForwardNodeName(2),
		Inputs: []ValueMeta{
			{Name: "b", Source: 3, Shape: sh},
			{Name: "x", Source: LocalSource},
			{Name: "c", Source: 1, Shape: sh},
			{Name: "a", Source: 3, Shape: sh},
		},
	}
	plan, err := createRecvInfo(node, true)
	require.NoError(t, err)

	// Ascending source order, local inputs first, names alphabetical within a
	// source, consecutive same-source inputs grouped.
	require.Equal(t, []int{LocalSource, 1, 3}, planSources(plan))
	assert.Equal(t, []string{"x"}, planNames(plan[0]))
	assert.Equal(t, []string{"c"}, planNames(plan[1]))
	assert.Equal(t, []string{"a", "b"}, planNames(plan[2]))

	// Local inputs become kwarg placeholders, remote ones own a receive buffer.
	_, isKwarg := plan[0].placeholders[0].(kwargPlaceholder)
	assert.True(t, isKwarg)
	remote, isRecv := plan[2].placeholders[0].(*recvPlaceholder)
	require.True(t, isRecv)
	assert.True(t, remote.buffer.Shape().Equal(sh))
}

func TestCreateRecvInfoBackward(t *testing.T) {
	sh := shapes.Make(dtypes.Float32, 2, 2)
	node := &Node{
		Name: BackwardNodeName(2),
		Inputs: []ValueMeta{
			{Name: "c", Source: 1, Shape: sh},
			{Name: "b", Source: 3, Shape: sh},
			{Name: "a", Source: 3, Shape: sh},
		},
	}
	plan, err := createRecvInfo(node, false)
	require.NoError(t, err)

	// Descending source order, names still alphabetical within a source.
	require.Equal(t, []int{3, 1}, planSources(plan))
	assert.Equal(t, []string{"a", "b"}, planNames(plan[0]))
	assert.Equal(t, []string{"c"}, planNames(plan[1]))
}

func TestCreateRecvInfoErrors(t *testing.T) {
	node := &Node{
		Name:   BackwardNodeName(0),
		Inputs: []ValueMeta{{Name: "x", Source: LocalSource}},
	}
	_, err := createRecvInfo(node, false)
	assert.Error(t, err, "backward cannot take raw step arguments")

	node = &Node{
		Name:   ForwardNodeName(1),
		Inputs: []ValueMeta{{Name: "a", Source: 0}}, // no shape descriptor
	}
	_, err = createRecvInfo(node, true)
	assert.Error(t, err)
}

func TestCreateSendInfo(t *testing.T) {
	node := &Node{
		Name: ForwardNodeName(1),
		Outputs: []OutputMeta{
			{Name: "q", Consumers: []int{4, 2}},
			{Name: "p", Consumers: []int{2}},
		},
	}

	// Forward and backward produce the same batches in the same ascending
	// destination order; only the plan's purpose differs.
	for _, forward := range []bool{true, false} {
		plan := createSendInfo(node, forward)
		require.Len(t, plan, 2, "forward=%v", forward)
		assert.Equal(t, 2, plan[0].destination)
		assert.Equal(t, []string{"p", "q"}, plan[0].names)
		assert.Equal(t, 4, plan[1].destination)
		assert.Equal(t, []string{"q"}, plan[1].names)
	}
}

// TestPlanSymmetry checks the property the whole exchange relies on: for any
// pair of stages, the receiver's per-source name order equals the sender's
// per-destination name order, in both directions.
func TestPlanSymmetry(t *testing.T) {
	sh := shapes.Make(dtypes.Float32, 4)
	sender := &Node{
		Name: ForwardNodeName(0),
		Outputs: []OutputMeta{
			{Name: "v2", Consumers: []int{1}},
			{Name: "v1", Consumers: []int{1}},
			{Name: "v3", Consumers: []int{1}},
		},
	}
	receiver := &Node{
		Name: ForwardNodeName(1),
		Inputs: []ValueMeta{
			{Name: "v3", Source: 0, Shape: sh},
			{Name: "v1", Source: 0, Shape: sh},
			{Name: "v2", Source: 0, Shape: sh},
		},
	}
	for _, forward := range []bool{true, false} {
		sendPlan := createSendInfo(sender, forward)
		recvPlan, err := createRecvInfo(receiver, forward)
		require.NoError(t, err)
		require.Len(t, sendPlan, 1)
		require.Len(t, recvPlan, 1)
		assert.Equal(t, sendPlan[0].names, planNames(recvPlan[0]), "forward=%v", forward)
	}
}

func TestFindStageNodes(t *testing.T) {
	nodes := []Node{
		{Name: ForwardNodeName(0)},
		{Name: BackwardNodeName(0)},
		{Name: StepNodeName(0)},
		{Name: ForwardNodeName(1)},
	}
	fw, bw, step, err := findStageNodes(nodes, 0)
	require.NoError(t, err)
	assert.NotNil(t, fw)
	assert.NotNil(t, bw)
	assert.NotNil(t, step)

	fw, bw, step, err = findStageNodes(nodes, 1)
	require.NoError(t, err)
	assert.NotNil(t, fw)
	assert.Nil(t, bw)
	assert.Nil(t, step)

	_, _, _, err = findStageNodes(nodes, 2)
	assert.Error(t, err, "no forward node")

	_, _, _, err = findStageNodes(append(nodes, Node{Name: ForwardNodeName(0)}), 0)
	assert.Error(t, err, "duplicate forward node")

	_, _, _, err = findStageNodes([]Node{
		{Name: ForwardNodeName(0)}, {Name: StepNodeName(0)},
	}, 0)
	assert.Error(t, err, "step without backward")
}
