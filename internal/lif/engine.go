package lif

import "github.com/texelec/neurofab-z1-cluster-sub001/internal/spike"

// OutputCapacity bounds the per-tick output spike buffer (spec.md §3).
const OutputCapacity = 256

// DefaultTimestepUs is the engine's simulation quantum (spec.md §3).
const DefaultTimestepUs = 1000

// Stats accumulates the engine's lifetime counters, held in the Engine.Stats
// field; GET_SNN_STATUS reports SpikesGenerated from it. It plays the same
// supporting role SupraX.go's SUPRAXCore.Stats() played for the CPU
// reference model.
type Stats struct {
	SimulationSteps      uint64
	MembraneUpdates      uint64
	SpikesGenerated      uint64
	NeuronsFired         uint64
	SpikesReceived       uint64 // via Inject, not InjectImmediate (spec.md §8 invariant 4)
	SpikesProcessed      uint64
	SynapticIntegrations uint64
}

// OutputBuffer holds the spikes emitted during the current tick. It is
// reset at the start of every step() call; consumers (RunLoop) must drain it
// before the next call (spec.md §3 invariant).
type OutputBuffer struct {
	spikes [OutputCapacity]spike.Spike
	count  int
}

// Reset clears the buffer for a new tick.
func (b *OutputBuffer) Reset() { b.count = 0 }

// Push appends s if there is room, reporting whether it fit.
func (b *OutputBuffer) Push(s spike.Spike) bool {
	if b.count >= OutputCapacity {
		return false
	}
	b.spikes[b.count] = s
	b.count++
	return true
}

// Spikes returns the spikes emitted so far this tick.
func (b *OutputBuffer) Spikes() []spike.Spike { return b.spikes[:b.count] }

// Engine owns one node's neuron population and drives it one tick at a time.
// It is an owned value, never a package-level singleton (spec.md §9 —
// "global-mutable engine singleton in source -> owned engine value in
// target"), so it can be constructed fresh in every test.
type Engine struct {
	NodeID        uint8
	Running       bool
	Paused        bool
	CurrentTimeUs uint32
	TimestepUs    uint32

	Neurons []Neuron // length <= MaxNeurons, insertion order preserved

	Queue  spike.Queue
	Output OutputBuffer

	Stats Stats

	pendingStatsReset bool
}

// New constructs an Engine for nodeID with the given neuron population
// (already decoded by the topology loader) and default timestep.
func New(nodeID uint8, neurons []Neuron) *Engine {
	return &Engine{
		NodeID:     nodeID,
		TimestepUs: DefaultTimestepUs,
		Neurons:    neurons,
	}
}

// Start transitions Initialized -> Running. If the engine was previously
// stopped, stats (and the input queue) reset now, matching spec.md §4.4:
// "stop also resets stats at the next start."
func (e *Engine) Start() {
	if e.pendingStatsReset {
		e.Stats = Stats{}
		e.Queue.Reset()
		e.pendingStatsReset = false
	}
	e.Running = true
	e.Paused = false
}

// Pause transitions Running -> Paused.
func (e *Engine) Pause() { e.Paused = true }

// Resume transitions Paused -> Running.
func (e *Engine) Resume() { e.Paused = false }

// Stop transitions back to Initialized, arming a stats reset for the next
// Start.
func (e *Engine) Stop() {
	e.Running = false
	e.Paused = false
	e.pendingStatsReset = true
}

// Inject enqueues s for integration on the next Step, returning false (and
// counting a drop) if the queue is full.
func (e *Engine) Inject(s spike.Spike) bool {
	e.Stats.SpikesReceived++
	return e.Queue.Push(s)
}

// InjectImmediate adds value directly to localID's membrane potential and
// fires it in place if threshold is already crossed and it is not
// refractory — the direct-stimulation path spec.md §4.4 keeps outside the
// received/processed/dropped accounting ("ignoring immediate-injection
// direct path" in §8 invariant 4).
func (e *Engine) InjectImmediate(localID uint16, value float32) bool {
	if int(localID) >= len(e.Neurons) {
		return false
	}
	n := &e.Neurons[localID]
	n.VMem += value
	if n.VMem >= n.Threshold && e.CurrentTimeUs >= n.RefractoryUntilUs {
		e.fireNeuron(n)
	}
	return true
}

// Step executes exactly one simulation tick (spec.md §4.4). It is a pure
// call: the caller decides when 1ms (or any timestep) of wall time has
// elapsed, per spec.md §9 — step never reads a wall clock itself.
func (e *Engine) Step() {
	if !e.Running || e.Paused {
		return
	}

	e.CurrentTimeUs += e.TimestepUs
	e.Stats.SimulationSteps++
	e.Output.Reset()

	for i := 0; i < MaxSpikesPerTimestep; i++ {
		s, ok := e.Queue.Pop()
		if !ok {
			break
		}
		e.processSpike(s)
		e.Stats.SpikesProcessed++
	}

	for i := range e.Neurons {
		n := &e.Neurons[i]
		if n.VMem > 0 && n.LeakRate > 0 {
			n.VMem *= n.LeakRate
			e.Stats.MembraneUpdates++
		}
		if n.VMem >= n.Threshold && e.CurrentTimeUs >= n.RefractoryUntilUs {
			e.fireNeuron(n)
		}
	}
}

// processSpike integrates one queued spike: direct stimulation of a
// same-node input neuron (if targeted), then synaptic propagation to every
// neuron with a matching synapse (spec.md §4.4).
func (e *Engine) processSpike(s spike.Spike) {
	sourceNode, sourceLocal := SplitGlobalID(s.NeuronID)

	if sourceNode == e.NodeID && int(sourceLocal) < len(e.Neurons) {
		target := &e.Neurons[sourceLocal]
		if target.IsInput() {
			target.VMem += s.Value
			if target.VMem >= target.Threshold && e.CurrentTimeUs >= target.RefractoryUntilUs {
				e.fireNeuron(target)
			}
		}
		// Fall through: an input neuron can also be a synaptic source for
		// others, so propagation below still runs.
	}

	for i := range e.Neurons {
		target := &e.Neurons[i]
		for _, syn := range target.Synapses {
			if syn.SourceGlobalID != s.NeuronID {
				continue
			}
			target.VMem += syn.Weight * s.Value
			e.Stats.SynapticIntegrations++
			if target.VMem >= target.Threshold && e.CurrentTimeUs >= target.RefractoryUntilUs {
				e.fireNeuron(target)
				break // a neuron fires at most once per spike
			}
		}
	}
}

// fireNeuron resets the membrane potential, starts the refractory window,
// appends an output spike if there is room, and updates stats (spec.md
// §4.4).
func (e *Engine) fireNeuron(n *Neuron) {
	n.LastSpikeTimeUs = e.CurrentTimeUs
	n.RefractoryUntilUs = e.CurrentTimeUs + n.RefractoryPeriodUs
	n.VMem = 0
	n.SpikeCount++

	e.Output.Push(spike.Spike{
		NeuronID:    n.GlobalID,
		TimestampUs: e.CurrentTimeUs,
		Value:       1.0,
	})

	e.Stats.SpikesGenerated++
	e.Stats.NeuronsFired++
}

// SpikeRateHz reports the lifetime average firing rate across the
// population. spec.md §9 open question 3 resolves the tick-0 division by
// zero: report 0 rather than NaN/Inf.
func (e *Engine) SpikeRateHz() float64 {
	if e.CurrentTimeUs == 0 {
		return 0
	}
	return float64(e.Stats.SpikesGenerated) * 1e6 / float64(e.CurrentTimeUs)
}

// ActiveNeuronCount reports how many neurons carry FlagActive.
func (e *Engine) ActiveNeuronCount() int {
	n := 0
	for i := range e.Neurons {
		if e.Neurons[i].Flags&FlagActive != 0 {
			n++
		}
	}
	return n
}
