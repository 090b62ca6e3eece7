// Package runloop implements RunLoop: the node's single cooperative
// scheduler (spec.md §4.7). One call to Tick is one iteration of the
// "infinite loop, never blocks" the spec describes; the caller supplies
// the iteration driver (a real `for {}` on the board, a bounded loop in
// tests and the demo harness) the same way SupraX.go's SUPRAXCore.Cycle()
// never loops itself — the surrounding Example() harness decides how many
// cycles to run.
package runloop

import (
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/bus"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/command"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/lif"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/platform"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/spike"
)

// MaxBroadcastsPerTimestep bounds how many output spikes one tick
// broadcasts (spec.md §4.7). Output spikes beyond the cap are not sent: the
// next Step resets the output buffer.
const MaxBroadcastsPerTimestep = 5

// HeartbeatWindowUs and HeartbeatOnUs describe the heartbeat LED's duty
// cycle: on for the first HeartbeatOnUs of every HeartbeatWindowUs window
// (spec.md §4.7: "blue on for 100ms at the start of every 3s window").
const (
	HeartbeatWindowUs uint32 = 3_000_000
	HeartbeatOnUs     uint32 = 100_000
)

// minInjectWords is the minimum payload length (in u16 words) a UNICAST or
// BROADCAST spike-carrying frame must have: id_lo and id_hi (spec.md §4.7:
// "length >= 4" bytes, i.e. the 2 words carrying the id).
const minInjectWords = 2

// LED is the heartbeat indicator the run loop drives. internal/hostsim
// supplies a no-op/observable implementation for tests.
type LED interface {
	SetBlue(on bool)
}

// RunLoop owns one iteration of the node's scheduling loop. It holds no
// goroutines and starts none: Tick is called by the caller's own driver.
type RunLoop struct {
	NodeID     uint8
	Engine     *lif.Engine
	Dispatcher *command.Dispatcher
	Broker     bus.Broker
	Plat       platform.Capabilities
	Led        LED

	lastStepUs uint32
}

// New constructs a RunLoop for the given node's components.
func New(nodeID uint8, engine *lif.Engine, dispatcher *command.Dispatcher, broker bus.Broker, plat platform.Capabilities, led LED) *RunLoop {
	return &RunLoop{
		NodeID:     nodeID,
		Engine:     engine,
		Dispatcher: dispatcher,
		Broker:     broker,
		Plat:       plat,
		Led:        led,
	}
}

// Tick performs exactly one RunLoop iteration (spec.md §4.7's six
// numbered steps). It never blocks and never sleeps.
func (r *RunLoop) Tick() {
	r.Plat.KickWatchdog()
	r.driveHeartbeat()
	r.Broker.Task()

	if f, ok := r.Broker.TryReceive(); ok {
		r.handleFrame(f)
	}

	now := r.Plat.NowUs()
	if r.Engine.Running && now-r.lastStepUs >= r.Engine.TimestepUs {
		r.lastStepUs = now
		r.Broker.Task()
		r.Engine.Step()
		r.Broker.Task()
		r.broadcastOutputs()
	}
}

func (r *RunLoop) driveHeartbeat() {
	if r.Led == nil {
		return
	}
	phase := r.Plat.NowUs() % HeartbeatWindowUs
	r.Led.SetBlue(phase < HeartbeatOnUs)
}

func (r *RunLoop) handleFrame(f bus.Frame) {
	switch f.Type {
	case bus.CTRL:
		r.Dispatcher.Dispatch(f)
		r.Broker.Task()
	case bus.UNICAST:
		r.injectFromFrame(f)
	case bus.BROADCAST:
		if f.Src == r.NodeID {
			return // self-broadcasts are discarded to avoid feedback
		}
		r.injectFromFrame(f)
	}
}

func (r *RunLoop) injectFromFrame(f bus.Frame) {
	if len(f.Payload) < minInjectWords {
		return
	}
	id := uint32(f.Payload[0]) | uint32(f.Payload[1])<<16
	r.Engine.Inject(spike.Spike{NeuronID: id, TimestampUs: r.Engine.CurrentTimeUs, Value: 1.0})
}

func (r *RunLoop) broadcastOutputs() {
	if !r.Engine.Running {
		return
	}
	spikes := r.Engine.Output.Spikes()
	n := len(spikes)
	if n > MaxBroadcastsPerTimestep {
		n = MaxBroadcastsPerTimestep
	}
	for i := 0; i < n; i++ {
		s := spikes[i]
		payload := []uint16{
			uint16(s.NeuronID),
			uint16(s.NeuronID >> 16),
			uint16(s.Value * 1000),
		}
		ok := r.Broker.Send(bus.Frame{
			Type:    bus.BROADCAST,
			Src:     r.NodeID,
			Dest:    bus.BroadcastDest,
			Stream:  bus.StreamSpike,
			Payload: payload,
		})
		if !ok {
			break
		}
		r.Broker.Task()
	}
}
