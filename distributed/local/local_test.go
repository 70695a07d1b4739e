package local

import (
	"sync"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gopipe/gopipe/distributed"
	"github.com/gopipe/gopipe/types/shapes"
	"github.com/gopipe/gopipe/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorld(t *testing.T) {
	groups := NewWorld(3)
	require.Len(t, groups, 3)
	for rank, g := range groups {
		assert.Equal(t, rank, g.Rank())
		assert.Equal(t, 3, g.Size())
	}
	assert.Panics(t, func() { NewWorld(0) })
}

func TestNewWithConfig(t *testing.T) {
	g0, err := distributed.NewWithConfig("local:cfgworld/2/0")
	require.NoError(t, err)
	g1, err := distributed.NewWithConfig("local:cfgworld/2/1")
	require.NoError(t, err)
	assert.Equal(t, 0, g0.Rank())
	assert.Equal(t, 1, g1.Rank())
	assert.Equal(t, 2, g0.Size())

	_, err = distributed.NewWithConfig("local:cfgworld/2/1")
	assert.Error(t, err, "rank already joined")
	_, err = distributed.NewWithConfig("local:cfgworld/3/2")
	assert.Error(t, err, "size disagrees")
	_, err = distributed.NewWithConfig("local:bad-config")
	assert.Error(t, err)
	_, err = distributed.NewWithConfig("local:w/x/0")
	assert.Error(t, err)
}

func sendOp(peer int, name string, values ...float32) distributed.P2POp {
	return distributed.P2POp{
		Kind:   distributed.OpSend,
		Peer:   peer,
		Name:   name,
		Tensor: tensors.FromFlatDataAndDimensions(values, len(values)),
	}
}

func recvOp(peer int, name string, size int) distributed.P2POp {
	return distributed.P2POp{
		Kind:   distributed.OpRecv,
		Peer:   peer,
		Name:   name,
		Tensor: tensors.FromShape(shapes.Make(dtypes.Float32, size)),
	}
}

func TestSendRecv(t *testing.T) {
	groups := NewWorld(2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		handles := groups[0].PostBatch([]distributed.P2POp{sendOp(1, "a", 1, 2, 3)})
		distributed.WaitAll(handles)
	}()

	recv := recvOp(0, "a", 3)
	go func() {
		defer wg.Done()
		handles := groups[1].PostBatch([]distributed.P2POp{recv})
		distributed.WaitAll(handles)
	}()
	wg.Wait()
	assert.Equal(t, []float32{1, 2, 3}, tensors.ConstFlatData[float32](recv.Tensor))
}

// TestFIFOOrdering checks positional matching: the k-th send posted on an edge
// pairs with the k-th receive posted on that edge, over many messages and
// regardless of batch boundaries.
func TestFIFOOrdering(t *testing.T) {
	const numMessages = 100
	groups := NewWorld(2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		var handles []distributed.Handle
		for ii := 0; ii < numMessages; ii++ {
			handles = append(handles, groups[0].PostBatch([]distributed.P2POp{
				sendOp(1, "seq", float32(ii)),
			})...)
		}
		distributed.WaitAll(handles)
	}()

	recvs := make([]distributed.P2POp, numMessages)
	for ii := range recvs {
		recvs[ii] = recvOp(0, "seq", 1)
	}
	go func() {
		defer wg.Done()
		distributed.WaitAll(groups[1].PostBatch(recvs))
	}()
	wg.Wait()

	for ii, recv := range recvs {
		assert.Equal(t, float32(ii), tensors.ConstFlatData[float32](recv.Tensor)[0],
			"message %d delivered out of order", ii)
	}
}

func TestSendSnapshotsAtPostTime(t *testing.T) {
	groups := NewWorld(2)
	payload := tensors.FromFlatDataAndDimensions([]float32{42}, 1)
	handles := groups[0].PostBatch([]distributed.P2POp{{
		Kind: distributed.OpSend, Peer: 1, Name: "v", Tensor: payload,
	}})
	// Mutating after posting must not affect what is delivered.
	tensors.MutableFlatData[float32](payload)[0] = -1

	recv := recvOp(0, "v", 1)
	distributed.WaitAll(groups[1].PostBatch([]distributed.P2POp{recv}))
	distributed.WaitAll(handles)
	assert.Equal(t, float32(42), tensors.ConstFlatData[float32](recv.Tensor)[0])
}

func TestShapeMismatchFailsOnWait(t *testing.T) {
	groups := NewWorld(2)
	sendHandles := groups[0].PostBatch([]distributed.P2POp{sendOp(1, "v", 1, 2)})
	recvHandles := groups[1].PostBatch([]distributed.P2POp{recvOp(0, "v", 3)})
	assert.Panics(t, func() { distributed.WaitAll(recvHandles) })
	distributed.WaitAll(sendHandles)
}

func TestInvalidPeer(t *testing.T) {
	groups := NewWorld(2)
	assert.Panics(t, func() {
		groups[0].PostBatch([]distributed.P2POp{sendOp(7, "v", 1)})
	})
}

func TestAllGather(t *testing.T) {
	const size = 3
	groups := NewWorld(size)
	results := make([][]any, size)
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			local := map[string]*tensors.Tensor{
				"v": tensors.FromScalar(int64(rank)),
			}
			results[rank] = groups[rank].AllGather(local)
		}(rank)
	}
	wg.Wait()

	for rank := 0; rank < size; rank++ {
		require.Len(t, results[rank], size)
		for peer := 0; peer < size; peer++ {
			gathered := results[rank][peer].(map[string]*tensors.Tensor)
			assert.Equal(t, int64(peer), tensors.ToScalar[int64](gathered["v"]))
		}
	}

	// Gathered objects are deep copies: mutating one rank's view must not leak
	// into another's.
	tensors.MutableFlatData[int64](results[0][1].(map[string]*tensors.Tensor)["v"])[0] = -1
	assert.Equal(t, int64(1), tensors.ToScalar[int64](results[1][1].(map[string]*tensors.Tensor)["v"]))
}

func TestAllGatherMultipleRounds(t *testing.T) {
	const size = 2
	const rounds = 5
	groups := NewWorld(size)
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			for round := 0; round < rounds; round++ {
				result := groups[rank].AllGather(rank*100 + round)
				for peer := 0; peer < size; peer++ {
					assert.Equal(t, peer*100+round, result[peer].(int))
				}
			}
		}(rank)
	}
	wg.Wait()
}
