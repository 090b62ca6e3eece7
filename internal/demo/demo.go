// Package demo replays spec.md §8's concrete scenarios end-to-end and
// reports whether each matched its expected outcome. It plays the same
// role SupraX.go's Example() played for the CPU reference model: a
// runnable demonstration of the documented behavior, not a test — callers
// that want assertions should use the package _test.go files instead.
package demo

import (
	"fmt"
	"hash/crc32"

	"github.com/texelec/neurofab-z1-cluster-sub001/internal/bus"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/command"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/corelog"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/hostsim"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/lif"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/memory"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/ota"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/spike"
)

// Result is one scenario's outcome.
type Result struct {
	Name   string
	Pass   bool
	Detail string
}

// Report bundles every scenario's Result, in the order spec.md §8 lists
// them.
type Report struct {
	Results []Result
}

// AllPassed reports whether every scenario in the report matched its
// expected outcome.
func (r Report) AllPassed() bool {
	for _, res := range r.Results {
		if !res.Pass {
			return false
		}
	}
	return true
}

// String renders the report the way SUPRAXCore.Stats() rendered its
// counters: one line per scenario.
func (r Report) String() string {
	s := ""
	for _, res := range r.Results {
		mark := "FAIL"
		if res.Pass {
			mark = "ok"
		}
		s += fmt.Sprintf("[%s] %-28s %s\n", mark, res.Name, res.Detail)
	}
	return s
}

// RunAll replays every spec.md §8 concrete scenario and returns a Report.
func RunAll() Report {
	return Report{Results: []Result{
		xorScenario("XOR 1 inputs=(0,0)", 0, 0, 20, 0),
		xorScenario("XOR 2 inputs=(1,0)", 1, 0, 5, 1),
		xorScenario("XOR 3 inputs=(1,1)", 1, 1, 10, 0),
		otaRoundTrip(),
		queueOverflow(),
		leakDecay(),
		clusterPingRoundTrip(),
	}}
}

// clusterPingRoundTrip exercises the full wire path — bus, broker, and
// CommandDispatcher — that the engine-only scenarios above bypass: a
// controller node sends PING over an InMemoryBus and expects the PONG ack
// back on the mgmt stream (spec.md §4.5).
func clusterPingRoundTrip() Result {
	plat := hostsim.New(nil, 1<<20)
	log := corelog.New("demo", nil)
	psram := memory.New(1<<20, plat, log)
	engine := lif.New(2, nil)
	session := ota.New(memory.UncachedBase + ota.BufferOffset)

	ibus := bus.NewInMemoryBus()
	controller := ibus.Attach(1, 4, 4)
	node := ibus.Attach(2, 4, 4)
	dispatcher := command.New(2, engine, psram, session, plat, node, log, 0)

	controller.Send(bus.Frame{Type: bus.CTRL, Dest: 2, Stream: bus.StreamMgmt, Payload: []uint16{uint16(command.OpPing)}})
	f, ok := node.TryReceive()
	if !ok {
		return Result{Name: "Cluster PING round-trip", Pass: false, Detail: "node never received the frame"}
	}
	dispatcher.Dispatch(f)

	reply, ok := controller.TryReceive()
	if !ok {
		return Result{Name: "Cluster PING round-trip", Pass: false, Detail: "controller never received a reply"}
	}
	pass := reply.Payload[0] == uint16(command.OpPing)|0x8000
	return Result{Name: "Cluster PING round-trip", Pass: pass, Detail: fmt.Sprintf("reply=0x%04x", reply.Payload[0])}
}

// xorTopology mirrors internal/lif's test fixture: two structural inputs, a
// disjunctive hidden unit, a conjunctive (inhibitory) hidden unit, and an
// output computing OR AND NOT-AND == XOR. See internal/lif/engine_test.go's
// doc comment for the tuning rationale (single-hop-per-tick propagation,
// refractory periods outlasting the scenario's tick budget).
func xorTopology(nodeID uint8) []lif.Neuron {
	n := make([]lif.Neuron, 5)
	for i := range n {
		n[i] = lif.Neuron{
			LocalID:            uint16(i),
			GlobalID:           lif.GlobalNeuronID(nodeID, uint16(i)),
			Flags:              lif.FlagActive,
			Threshold:          0.5,
			LeakRate:           0.1,
			RefractoryPeriodUs: 20000,
		}
	}
	n[2].Synapses = []lif.Synapse{
		{SourceGlobalID: n[0].GlobalID, Weight: 1.0, DelayUs: lif.DefaultSynapseDelayUs},
		{SourceGlobalID: n[1].GlobalID, Weight: 1.0, DelayUs: lif.DefaultSynapseDelayUs},
	}
	n[3].Threshold = 1.5
	n[3].Synapses = []lif.Synapse{
		{SourceGlobalID: n[0].GlobalID, Weight: 1.0, DelayUs: lif.DefaultSynapseDelayUs},
		{SourceGlobalID: n[1].GlobalID, Weight: 1.0, DelayUs: lif.DefaultSynapseDelayUs},
	}
	n[4].Synapses = []lif.Synapse{
		{SourceGlobalID: n[2].GlobalID, Weight: 1.0, DelayUs: lif.DefaultSynapseDelayUs},
		{SourceGlobalID: n[3].GlobalID, Weight: -2.0, DelayUs: lif.DefaultSynapseDelayUs},
	}
	return n
}

// runWithRelay models what a cluster bus would do for a topology whose
// layers live on separate nodes: feed each tick's fired spikes back in as
// the next tick's input, in reverse generation order so a same-tick
// inhibitory arrival is never outraced by the excitatory spike it must
// cancel.
func runWithRelay(e *lif.Engine, ticks int) []spike.Spike {
	pending := append([]spike.Spike{}, e.Output.Spikes()...)
	var all []spike.Spike
	for i := 0; i < ticks; i++ {
		for j := len(pending) - 1; j >= 0; j-- {
			e.Inject(pending[j])
		}
		e.Step()
		pending = append([]spike.Spike{}, e.Output.Spikes()...)
		all = append(all, pending...)
	}
	return all
}

func xorScenario(name string, in0, in1 float32, ticks int, wantOutputs int) Result {
	e := lif.New(1, xorTopology(1))
	e.Start()
	if in0 != 0 {
		e.InjectImmediate(0, in0)
	}
	if in1 != 0 {
		e.InjectImmediate(1, in1)
	}

	outputGlobalID := e.Neurons[4].GlobalID
	got := 0
	for _, s := range runWithRelay(e, ticks) {
		if s.NeuronID == outputGlobalID {
			got++
		}
	}
	return Result{
		Name:   name,
		Pass:   got == wantOutputs,
		Detail: fmt.Sprintf("neuron-4 output spikes = %d (want %d)", got, wantOutputs),
	}
}

func otaRoundTrip() Result {
	const (
		firmwareSize = 4096
		chunkSize    = 256
		totalChunks  = firmwareSize / chunkSize
	)
	plat := hostsim.New(nil, 1<<21)
	psram := memory.New(1<<22, plat, nil)
	session := ota.New(memory.UncachedBase + ota.BufferOffset)

	firmware := make([]byte, firmwareSize)
	for i := range firmware {
		firmware[i] = byte(i*7 + 3)
	}
	crc := crc32.ChecksumIEEE(firmware)

	session.EnterUpdateMode()
	if !session.Start(1, 1, firmwareSize, crc, chunkSize, totalChunks) {
		return Result{Name: "OTA round-trip", Pass: false, Detail: "Start refused self-targeted update"}
	}
	for i := totalChunks - 1; i >= 0; i-- {
		chunk := firmware[i*chunkSize : (i+1)*chunkSize]
		if err := session.DataChunk(psram, 1, 1, uint32(i), chunk); err != nil {
			return Result{Name: "OTA round-trip", Pass: false, Detail: fmt.Sprintf("chunk %d: %v", i, err)}
		}
	}
	if ok, gotCRC := session.VerifyPayload(psram); !ok {
		return Result{Name: "OTA round-trip", Pass: false, Detail: fmt.Sprintf("verify failed: crc=0x%x", gotCRC)}
	}
	ok, err := session.Commit(psram, plat)
	if !ok || err != nil {
		return Result{Name: "OTA round-trip", Pass: false, Detail: fmt.Sprintf("commit failed: %v", err)}
	}
	readBack, err := plat.Flash().Read(ota.ApplicationPartitionOffset, firmwareSize)
	if err != nil {
		return Result{Name: "OTA round-trip", Pass: false, Detail: fmt.Sprintf("read-back: %v", err)}
	}
	for i := range firmware {
		if readBack[i] != firmware[i] {
			return Result{Name: "OTA round-trip", Pass: false, Detail: fmt.Sprintf("byte %d mismatch", i)}
		}
	}
	return Result{Name: "OTA round-trip", Pass: true, Detail: "16 chunks, reverse order, commit verified byte-exact"}
}

func queueOverflow() Result {
	n := []lif.Neuron{{LocalID: 0, GlobalID: lif.GlobalNeuronID(1, 0), Threshold: 100, LeakRate: 1.0}}
	e := lif.New(1, n)
	e.Start()
	for i := 0; i < 300; i++ {
		e.Inject(spike.Spike{NeuronID: lif.GlobalNeuronID(1, 0), Value: 0})
	}
	e.Step()

	pass := e.Stats.SpikesProcessed == 100 && e.Queue.Len() == 156 && e.Queue.Dropped() == 44
	return Result{
		Name: "Queue overflow",
		Pass: pass,
		Detail: fmt.Sprintf("processed=%d queued=%d dropped=%d", e.Stats.SpikesProcessed, e.Queue.Len(), e.Queue.Dropped()),
	}
}

func leakDecay() Result {
	n := []lif.Neuron{{LocalID: 0, GlobalID: lif.GlobalNeuronID(1, 0), Threshold: 2.0, LeakRate: 0.5, VMem: 1.0}}
	e := lif.New(1, n)
	e.Start()
	for i := 0; i < 10; i++ {
		e.Step()
	}
	want := float32(1.0 / 1024.0)
	diff := e.Neurons[0].VMem - want
	if diff < 0 {
		diff = -diff
	}
	return Result{
		Name:   "Leak decay",
		Pass:   diff < 1e-6,
		Detail: fmt.Sprintf("v_mem=%v want~%v", e.Neurons[0].VMem, want),
	}
}
