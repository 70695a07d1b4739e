// Package distributed defines the interface a point-to-point transport needs to
// implement to carry tensors between pipeline stages.
//
// A transport exposes a Group: an established set of processes, one per
// pipeline stage, with a well-defined rank per process. All communication the
// pipeline runtime performs goes through three primitives: non-blocking batched
// point-to-point sends/receives returning completion handles, and an all-gather
// of opaque objects used once per step for return-value reassembly and on
// demand for full-state inspection.
//
// To simplify error handling, transports are expected to surface communication
// failures by panicking with a stack trace when a handle is waited on (see
// package github.com/gomlx/exceptions). Partial completion of a distributed
// step has no well-defined semantics, so there is nothing for a caller to
// recover locally: the panic is converted to an error at the stage boundary and
// the step is considered failed as a whole.
package distributed

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gopipe/gopipe/types/tensors"
)

// Handle is an awaitable completion handle for a non-blocking operation.
type Handle interface {
	// Wait blocks until the operation completes. It panics (with a stack trace)
	// if the operation failed.
	Wait()

	// Done reports whether the operation already completed, without blocking.
	Done() bool
}

// OpKind distinguishes send from receive operations in a batch.
type OpKind int

const (
	// OpSend transmits the op's tensor to the peer.
	OpSend OpKind = iota
	// OpRecv overwrites the op's tensor, in place, with data from the peer.
	OpRecv
)

// String implements fmt.Stringer.
func (k OpKind) String() string {
	switch k {
	case OpSend:
		return "Send"
	case OpRecv:
		return "Recv"
	}
	return "InvalidOpKind"
}

// P2POp describes one point-to-point operation of a batch.
//
// For OpRecv the Tensor is the pre-allocated receive buffer and is overwritten
// in place. Matching of sends to receives is purely positional: the k-th send
// posted on a (source, destination) pair matches the k-th receive posted on the
// same pair -- ordering them consistently on both sides is the caller's
// responsibility (the communication plan's job). Name is carried for
// diagnostics only and takes no part in matching.
type P2POp struct {
	Kind   OpKind
	Peer   int // group rank of the other side
	Name   string
	Tensor *tensors.Tensor
}

// Group is one process's view of an established group of communicating
// processes, one per pipeline stage.
type Group interface {
	// Rank of this process in the group.
	Rank() int

	// Size is the number of processes in the group.
	Size() int

	// PostBatch posts a batch of same-direction point-to-point operations,
	// non-blocking, and returns one completion handle per operation. Operations
	// addressed to the same peer are delivered in batch order.
	PostBatch(ops []P2POp) []Handle

	// AllGather exchanges one opaque object per rank and returns all of them,
	// indexed by rank. It blocks until every rank of the group has contributed:
	// a collective barrier. Objects must be gob-encodable.
	AllGather(local any) []any
}

// WaitAll waits on all the given handles, in order.
func WaitAll(handles []Handle) {
	for _, handle := range handles {
		handle.Wait()
	}
}

// Constructor takes a config string (optionally empty) and returns this
// process's Group.
type Constructor func(config string) (Group, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a transport with the given name and a constructor that takes a
// transport-specific configuration string.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the transport configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// GOPIPE_TRANSPORT is the environment variable with the default transport
// configuration to use.
//
// The format of config is "<transport_name>:<transport_configuration>".
// "<transport_name>" is the name of a registered transport (e.g.: "local") and
// "<transport_configuration>" is transport specific.
const GOPIPE_TRANSPORT = "GOPIPE_TRANSPORT"

// New returns this process's Group on the default transport.
//
// The default is:
//
// 1. The environment GOPIPE_TRANSPORT is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered transport is used with an empty configuration.
//
// It panics if no transport was registered.
func New() (Group, error) {
	config, found := os.LookupEnv(GOPIPE_TRANSPORT)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates this process's Group from a configuration string
// formatted as "<transport_name>:<transport_configuration>".
func NewWithConfig(config string) (Group, error) {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered transports for gopipe -- maybe import the in-process one with import _ "github.com/gopipe/gopipe/distributed/local"?`)
	}
	transportName := firstRegistered
	transportConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		transportName = config[:idx]
		transportConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[transportName]
	if !found {
		exceptions.Panicf("can't find transport %q for configuration %q given", transportName, config)
	}
	return constructor(transportConfig)
}
