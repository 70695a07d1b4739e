// Package local implements an in-process transport for the pipeline runtime:
// every "process" of the group is a goroutine of the same OS process.
//
// It is the reference transport used by tests and demos. Delivery on each
// directed (source, destination) edge is strictly FIFO in posting order, which
// is the property the communication plans rely on; ordering of the operations
// posted on one edge is preserved by chaining each operation's completion latch
// to its predecessor's.
//
// To emulate process isolation, AllGather deep-copies the exchanged objects
// through encoding/gob, so no memory is shared between ranks.
//
// It registers itself under the name "local". The configuration string is
// "<world>/<size>/<rank>", e.g. distributed.NewWithConfig("local:train/4/2");
// the first rank to join a world creates it. Tests usually use NewWorld, which
// returns all groups of a fresh world at once.
package local

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/gopipe/gopipe/distributed"
	"github.com/gopipe/gopipe/types/tensors"
	"github.com/gopipe/gopipe/types/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EdgeCapacity is the number of in-flight messages buffered per directed edge
// before senders block. It must be at least the number of microbatch chunks,
// since schedules only wait on their deferred sends at the end of a step.
var EdgeCapacity = 128

func init() {
	distributed.Register("local", newFromConfig)

	// Types exchanged through AllGather as interface values.
	gob.Register(map[string]*tensors.Tensor{})
	gob.Register(map[string]any{})
	gob.Register(&tensors.Tensor{})
	gob.Register([]any{})
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register("")
	gob.Register(false)
}

var (
	muWorlds sync.Mutex
	worlds   = make(map[string]*world)
)

// world is the shared state of one in-process group of ranks.
type world struct {
	name string
	id   uuid.UUID
	size int

	muEdges sync.Mutex
	edges   map[edgeKey]*edge

	muJoined sync.Mutex
	joined   map[int]bool

	// All-gather slots hold gob-encoded contributions: encoded once by the
	// contributor, decoded once per reader, so no rank ever aliases another's
	// memory.
	gatherSlots  [][]byte
	gatherResult [][]byte
	barrier      *xsync.Barrier
}

type edgeKey struct {
	src, dst int
}

// message is one tensor in flight on an edge.
type message struct {
	name   string
	tensor *tensors.Tensor
	bytes  uintptr
}

// edge is the FIFO message queue for one directed (src, dst) pair, plus the
// latch chains that serialize posting order on both endpoints.
type edge struct {
	messages chan *message

	muTails  sync.Mutex
	sendTail *xsync.Latch
	recvTail *xsync.Latch
}

func newWorld(name string, size int) *world {
	w := &world{
		name:        name,
		id:          uuid.New(),
		size:        size,
		edges:       make(map[edgeKey]*edge),
		joined:      make(map[int]bool),
		gatherSlots: make([][]byte, size),
		barrier:     xsync.NewBarrier(size),
	}
	klog.V(1).Infof("local transport: created world %q (id=%s) with %d ranks", name, w.id, size)
	return w
}

func (w *world) edgeFor(src, dst int) *edge {
	w.muEdges.Lock()
	defer w.muEdges.Unlock()
	key := edgeKey{src: src, dst: dst}
	e, found := w.edges[key]
	if !found {
		triggered := func() *xsync.Latch {
			l := xsync.NewLatch()
			l.Trigger()
			return l
		}
		e = &edge{
			messages: make(chan *message, EdgeCapacity),
			sendTail: triggered(),
			recvTail: triggered(),
		}
		w.edges[key] = e
	}
	return e
}

// group is one rank's view of a world. It implements distributed.Group.
type group struct {
	world *world
	rank  int
}

// Compile-time check:
var _ distributed.Group = (*group)(nil)

// NewWorld creates a fresh world with the given number of ranks and returns all
// its groups, indexed by rank. Meant for tests and single-binary drivers that
// run each stage on its own goroutine.
func NewWorld(size int) []distributed.Group {
	if size <= 0 {
		exceptions.Panicf("local.NewWorld(%d): size must be positive", size)
	}
	w := newWorld(uuid.NewString(), size)
	groups := make([]distributed.Group, size)
	for rank := range groups {
		w.joined[rank] = true
		groups[rank] = &group{world: w, rank: rank}
	}
	return groups
}

// newFromConfig joins (or creates) a named world. Config is "<world>/<size>/<rank>".
func newFromConfig(config string) (distributed.Group, error) {
	parts := strings.Split(config, "/")
	if len(parts) != 3 {
		return nil, errors.Errorf("local transport: config must be \"<world>/<size>/<rank>\", got %q", config)
	}
	size, err := strconv.Atoi(parts[1])
	if err != nil || size <= 0 {
		return nil, errors.Errorf("local transport: invalid size in config %q", config)
	}
	rank, err := strconv.Atoi(parts[2])
	if err != nil || rank < 0 || rank >= size {
		return nil, errors.Errorf("local transport: invalid rank in config %q", config)
	}

	muWorlds.Lock()
	w, found := worlds[parts[0]]
	if !found {
		w = newWorld(parts[0], size)
		worlds[parts[0]] = w
	}
	muWorlds.Unlock()
	if w.size != size {
		return nil, errors.Errorf("local transport: world %q has size %d, config %q disagrees", parts[0], w.size, config)
	}

	w.muJoined.Lock()
	defer w.muJoined.Unlock()
	if w.joined[rank] {
		return nil, errors.Errorf("local transport: rank %d already joined world %q", rank, parts[0])
	}
	w.joined[rank] = true
	return &group{world: w, rank: rank}, nil
}

// Rank implements distributed.Group.
func (g *group) Rank() int { return g.rank }

// Size implements distributed.Group.
func (g *group) Size() int { return g.world.size }

// handle implements distributed.Handle. A failed operation stores its error and
// re-panics on Wait, on the waiter's goroutine.
type handle struct {
	latch *xsync.Latch
	err   error
}

func (h *handle) Wait() {
	h.latch.Wait()
	if h.err != nil {
		panic(h.err)
	}
}

func (h *handle) Done() bool { return h.latch.Test() }

// PostBatch implements distributed.Group.
func (g *group) PostBatch(ops []distributed.P2POp) []distributed.Handle {
	handles := make([]distributed.Handle, len(ops))
	for ii, op := range ops {
		if op.Peer < 0 || op.Peer >= g.world.size {
			exceptions.Panicf("local transport: rank %d posted %s(%q) to invalid peer %d (world size %d)",
				g.rank, op.Kind, op.Name, op.Peer, g.world.size)
		}
		switch op.Kind {
		case distributed.OpSend:
			handles[ii] = g.postSend(op)
		case distributed.OpRecv:
			handles[ii] = g.postRecv(op)
		default:
			exceptions.Panicf("local transport: invalid op kind %d", op.Kind)
		}
	}
	return handles
}

// postSend snapshots the tensor immediately, then delivers it to the edge queue
// in posting order.
func (g *group) postSend(op distributed.P2POp) distributed.Handle {
	e := g.world.edgeFor(g.rank, op.Peer)
	msg := &message{
		name:   op.Name,
		tensor: op.Tensor.Clone(),
		bytes:  op.Tensor.Memory(),
	}

	h := &handle{latch: xsync.NewLatch()}
	e.muTails.Lock()
	prev := e.sendTail
	e.sendTail = h.latch
	e.muTails.Unlock()

	go func() {
		prev.Wait()
		defer h.latch.Trigger()
		defer catchInto(&h.err)
		e.messages <- msg
		if klog.V(3).Enabled() {
			klog.Infof("local transport: %d->%d sent %q (%s)", g.rank, op.Peer, msg.name, humanize.Bytes(uint64(msg.bytes)))
		}
	}()
	return h
}

// postRecv consumes the next message of the edge, in posting order, and copies
// it into the caller's buffer.
func (g *group) postRecv(op distributed.P2POp) distributed.Handle {
	e := g.world.edgeFor(op.Peer, g.rank)

	h := &handle{latch: xsync.NewLatch()}
	e.muTails.Lock()
	prev := e.recvTail
	e.recvTail = h.latch
	e.muTails.Unlock()

	buffer := op.Tensor
	go func() {
		prev.Wait()
		defer h.latch.Trigger()
		defer catchInto(&h.err)
		msg := <-e.messages
		if !msg.tensor.Shape().Equal(buffer.Shape()) {
			exceptions.Panicf("local transport: %d->%d receive %q: declared shape %s but matched message %q with shape %s",
				op.Peer, g.rank, op.Name, buffer.Shape(), msg.name, msg.tensor.Shape())
		}
		buffer.CopyFrom(msg.tensor)
		if klog.V(3).Enabled() {
			klog.Infof("local transport: %d->%d received %q (%s)", op.Peer, g.rank, op.Name, humanize.Bytes(uint64(msg.bytes)))
		}
	}()
	return h
}

// catchInto converts a panic on the delivery goroutine into an error reported
// on Wait.
func catchInto(err *error) {
	if r := recover(); r != nil {
		if e, ok := r.(error); ok {
			*err = e
			return
		}
		*err = errors.Errorf("local transport: %v", r)
	}
}

// AllGather implements distributed.Group. Objects are deep-copied through gob
// on both sides of the exchange, so ranks never alias each other's memory.
func (g *group) AllGather(local any) []any {
	w := g.world
	w.gatherSlots[g.rank] = encodeGob(local)
	w.barrier.Await(func() {
		w.gatherResult = make([][]byte, w.size)
		copy(w.gatherResult, w.gatherSlots)
	})
	// Reading gatherResult is safe without further synchronization: a new
	// round cannot replace it until this rank joins that round.
	snapshot := w.gatherResult
	result := make([]any, w.size)
	for rank, encoded := range snapshot {
		result[rank] = decodeGob(encoded)
	}
	return result
}

func encodeGob(obj any) []byte {
	if obj == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&obj); err != nil {
		exceptions.Panicf("local transport: all-gather object is not gob-encodable: %+v", err)
	}
	return buf.Bytes()
}

func decodeGob(encoded []byte) any {
	if encoded == nil {
		return nil
	}
	var obj any
	if err := gob.NewDecoder(bytes.NewReader(encoded)).Decode(&obj); err != nil {
		exceptions.Panicf("local transport: failed to decode all-gather object: %+v", err)
	}
	return obj
}

// String pretty-prints the group.
func (g *group) String() string {
	return fmt.Sprintf("local.Group(world=%q, rank=%d of %d)", g.world.name, g.rank, g.world.size)
}
