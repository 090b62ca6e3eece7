// Command node boots one cluster node: it wires PSRAM, the neuron table
// loader, the LIF engine, the command dispatcher, the OTA session, and the
// run loop together and drives RunLoop.Tick forever, or for -iterations
// loop iterations when that flag is set (spec.md §4.7), the
// same role SupraX.go's Example() plays as an executable reference model —
// here a runnable stand-in for the board this module targets, since no real
// MMIO/board driver exists in this module's dependency set.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/texelec/neurofab-z1-cluster-sub001/internal/bus"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/command"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/corelog"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/hostsim"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/lif"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/memory"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/ota"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/runloop"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/topology"
)

// nodeIDHardcoded is the V1-board compile-time node id (spec.md §6:
// "NODE_ID_HARDCODED — compile-time node id for V1 boards"). The
// -node-id flag overrides it for the host build.
const nodeIDHardcoded = 0

// psramSize and flashSize size the host's simulated memories; a real board
// has fixed PSRAM/flash sizes wired at the chip level.
const (
	psramSize = 8 << 20
	flashSize = 8 << 20
)

func main() {
	nodeID := flag.Uint("node-id", nodeIDHardcoded, "cluster node id")
	iterations := flag.Int("iterations", 0, "stop after N loop iterations (0 = run forever)")
	tickUs := flag.Uint("tick-us", 1000, "simulated microseconds advanced per loop iteration")
	flag.Parse()

	clock := &hostsim.Clock{}
	plat := hostsim.New(clock, flashSize)
	led := &hostsim.LED{}
	log := corelog.New("node", os.Stderr)

	psram := memory.New(psramSize, plat, log)

	id := uint8(*nodeID)
	neurons, err := topology.Load(psram, id, memory.UncachedBase+topology.BaseOffset)
	if err != nil {
		log.Logf("no topology deployed at boot: %v", err)
	}
	engine := lif.New(id, neurons)

	ibus := bus.NewInMemoryBus()
	broker := ibus.Attach(id, 64, 64)

	session := ota.New(memory.UncachedBase + ota.BufferOffset)
	dispatcher := command.New(id, engine, psram, session, plat, broker, log, memory.UncachedBase+topology.BaseOffset)
	dispatcher.BootTimeUs = plat.NowUs()

	loop := runloop.New(id, engine, dispatcher, broker, plat, led)

	fmt.Fprintf(os.Stderr, "node %d booted, %d neurons loaded\n", id, len(neurons))

	for i := 0; *iterations == 0 || i < *iterations; i++ {
		loop.Tick()
		clock.Advance(uint32(*tickUs))
	}
}
