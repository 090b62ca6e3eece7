// Package topology loads the persistent neuron table out of PSRAM into the
// runtime lif.Neuron population the engine steps (spec.md §4.2). The table
// format mirrors SupraX.go's instruction-decode idiom — fixed-offset field
// reads out of a flat byte buffer, rather than a self-describing encoding —
// generalized from instruction words to a 280-byte neuron entry.
package topology

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/texelec/neurofab-z1-cluster-sub001/internal/coreerr"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/lif"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/memory"
)

// BaseOffset is the neuron table's fixed location relative to the PSRAM
// logical base: 1 MiB (spec.md §6). Callers add this to memory.UncachedBase
// (or memory.CachedBase for a read-only view) to get the address Load
// expects. BufferOffset in package ota carries the same literal value —
// the spec states both at "1 MiB from base" without reconciling the
// overlap; see DESIGN.md.
const BaseOffset uint32 = 1 << 20

// entrySize and field offsets implement §3's component breakdown (state
// 16B, synapse metadata 8B, parameters 8B, reserved 8B, 60×4B synapses
// 240B = 280B) rather than the section's rounded "256 bytes" label, since
// correctness depends on the itemized sizes summing consistently with
// MaxSynapses=60 — see DESIGN.md open-question note.
const (
	entrySize = 16 + 8 + 8 + 8 + lif.MaxSynapses*4

	offLocalID   = 0
	offFlags     = 2
	offVMem      = 4
	offThreshold = 8
	// 12: reserved (state section, 4B)

	offSynapseCount = 16
	offCapacity     = 18
	// 20: reserved (synapse metadata section, 4B)

	offLeakRate     = 24
	offRefractoryUs = 28
	// 32..40: reserved (8B)

	offSynapses = 40
	synapseSize = 4
)

// sentinelLocalID marks the end of the table: a 256-(here 280-)byte entry
// whose first u16 is 0xFFFF is not a neuron (spec.md §4.2).
const sentinelLocalID = 0xFFFF

// Load walks the PSRAM neuron table starting at baseAddr (an
// alias-qualified address — typically memory.UncachedBase+BaseOffset),
// decoding up to lif.MaxNeurons entries until the sentinel, and returns the
// runtime population ready to hand to lif.New. It never returns a
// partially decoded, over-capacity neuron: a synapse_count violation
// rejects that entry's whole load (spec.md §4.2).
func Load(psram *memory.PSRAM, nodeID uint8, baseAddr uint32) ([]lif.Neuron, error) {
	var neurons []lif.Neuron

	buf := make([]byte, entrySize)
	for i := 0; i < lif.MaxNeurons; i++ {
		psram.Read(baseAddr+uint32(i)*entrySize, buf)
		if binary.LittleEndian.Uint16(buf[offLocalID:]) == sentinelLocalID {
			break
		}

		n, err := decodeEntry(buf, nodeID, uint16(i))
		if err != nil {
			return nil, fmt.Errorf("topology: entry %d: %w", i, err)
		}
		neurons = append(neurons, n)
	}

	if len(neurons) == 0 {
		return nil, coreerr.ErrNoNeurons
	}
	return neurons, nil
}

func decodeEntry(buf []byte, nodeID uint8, localID uint16) (lif.Neuron, error) {
	synapseCount := binary.LittleEndian.Uint16(buf[offSynapseCount:])
	if synapseCount > lif.MaxSynapses {
		return lif.Neuron{}, coreerr.ErrTooManySynapses
	}

	n := lif.Neuron{
		LocalID:            localID,
		GlobalID:           lif.GlobalNeuronID(nodeID, localID),
		Flags:              lif.Flags(binary.LittleEndian.Uint16(buf[offFlags:])),
		VMem:               math.Float32frombits(binary.LittleEndian.Uint32(buf[offVMem:])),
		Threshold:          math.Float32frombits(binary.LittleEndian.Uint32(buf[offThreshold:])),
		LeakRate:           math.Float32frombits(binary.LittleEndian.Uint32(buf[offLeakRate:])),
		RefractoryPeriodUs: binary.LittleEndian.Uint32(buf[offRefractoryUs:]),
		RefractoryUntilUs:  0,
		SpikeCount:         0,
	}

	if synapseCount > 0 {
		n.Synapses = make([]lif.Synapse, synapseCount)
		for i := uint16(0); i < synapseCount; i++ {
			packed := binary.LittleEndian.Uint32(buf[offSynapses+int(i)*synapseSize:])
			n.Synapses[i] = lif.Synapse{
				SourceGlobalID: (packed >> 8) & 0xFFFFFF,
				Weight:         decodeWeight(uint8(packed & 0xFF)),
				DelayUs:        lif.DefaultSynapseDelayUs,
			}
		}
	}

	return n, nil
}

// decodeWeight applies §3's piecewise u8 weight encoding: 0..127 maps to
// 0..2.0, 128..255 maps to 0..-2.0 (128 decodes to zero, 129 to about
// -0.016, 255 to -2.0).
func decodeWeight(w uint8) float32 {
	if w < 128 {
		return float32(w) / 63.5
	}
	return -float32(w-128) / 63.5
}
