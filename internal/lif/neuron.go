// Package lif implements the leaky integrate-and-fire engine: the neuron
// population, its per-tick integration/leak/fire pass, and the global-id
// routing between synapses (spec.md §4.4). The scheduling idiom — a bounded
// per-call step(), stats counters threaded through every stage, and a flat
// slice of per-unit state values rather than a slice of pointers — is
// grounded on SupraX.go's SUPRAXCore.Cycle()/OutOfOrderScheduler,
// the teacher's bounded-time-per-call reference model.
package lif

// MaxNeurons bounds the population per node (spec.md §3: "16 per node here,
// configurable at build").
const MaxNeurons = 16

// MaxSynapses bounds incoming connections per neuron (spec.md §3).
const MaxSynapses = 60

// MaxSpikesPerTimestep bounds how many queued spikes step() drains in a
// single tick (spec.md §4.4).
const MaxSpikesPerTimestep = 100

// DefaultSynapseDelayUs is applied to every synapse at load time. Per
// spec.md §9 open question 1, delay is decoded and stored but never
// consulted again: propagation is immediate at integration, not delayed.
const DefaultSynapseDelayUs = 1000

// Flags is the neuron's informational bitfield (spec.md §3).
type Flags uint16

const (
	FlagActive Flags = 1 << iota
	FlagInhibitory
	FlagInput
	FlagOutput
	FlagRefractory
)

// Synapse is a decoded incoming connection (spec.md §3). Weight is already
// decoded from the packed on-disk byte; DelayUs is carried for forward
// compatibility but not applied (see DefaultSynapseDelayUs and spec.md §9
// Q1).
type Synapse struct {
	SourceGlobalID uint32 // 24 bits used
	Weight         float32
	DelayUs        uint16
}

// Neuron is the runtime LIF unit (spec.md §3).
type Neuron struct {
	LocalID  uint16
	GlobalID uint32
	Flags    Flags

	VMem      float32
	Threshold float32
	LeakRate  float32 // in [0,1]; 0.0 historically meant "input neuron"

	RefractoryPeriodUs uint32
	RefractoryUntilUs  uint32
	LastSpikeTimeUs    uint32
	SpikeCount         uint32

	Synapses []Synapse // length <= MaxSynapses
}

// IsInput reports whether this neuron is a topology input: spec.md §9 open
// question 2 resolves the ambiguity between the source's two coexisting
// engine variants in favor of the structural definition — no incoming
// synapses — over the alternative "leak_rate == 0" test.
func (n *Neuron) IsInput() bool {
	return len(n.Synapses) == 0
}

// GlobalNeuronID packs a node id and local id into the cluster-wide handle
// used for synaptic source addressing (spec.md, GLOSSARY).
func GlobalNeuronID(nodeID uint8, localID uint16) uint32 {
	return uint32(nodeID)<<16 | uint32(localID)
}

// SplitGlobalID decodes a global id back into its node and local components.
func SplitGlobalID(globalID uint32) (nodeID uint8, localID uint16) {
	return uint8(globalID >> 16), uint16(globalID)
}
