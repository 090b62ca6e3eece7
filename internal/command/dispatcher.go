// Package command implements CommandDispatcher: decoding inbound CTRL
// frames into opcodes and driving the LIF engine, PSRAM, topology loader,
// and OTA session accordingly (spec.md §4.5). Its switch-over-opcode shape
// is the same "decode a fixed-width word, branch on a small enum, return a
// fixed-shape result" idiom SupraX.go's ExecuteALU uses for instruction
// opcodes, carried from an ALU's op field to a control frame's opcode word.
package command

import (
	"math"
	"time"

	"github.com/texelec/neurofab-z1-cluster-sub001/internal/bus"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/coreerr"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/corelog"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/lif"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/memory"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/ota"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/platform"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/spike"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/topology"
)

// Opcode identifies a control-stream command (spec.md §4.5). Numeric values
// are this implementation's own assignment — the spec names opcodes but
// never numbers them.
type Opcode uint16

const (
	OpPing Opcode = iota + 1
	OpResetToBootloader
	OpReadStatus
	OpStartSNN
	OpStopSNN
	OpPauseSNN
	OpResumeSNN
	OpInjectSpikeBatch
	OpGetSNNStatus
	OpWriteMemory
	OpDeployTopology
	OpUpdateModeEnter
	OpUpdateModeExit
	OpUpdateStart
	OpUpdateDataChunk
	OpUpdatePoll
	OpUpdateCommit
	OpUpdateRestart
)

// ackBit marks a reply as the acknowledgement of its request opcode
// (spec.md §4.5: "ACK (opcode | 0x8000)").
const ackBit = 0x8000

// PollType distinguishes the two UPDATE_POLL variants (spec.md §4.5).
type PollType uint16

const (
	PollStatus PollType = iota
	PollVerify
)

// resetMagicBase is OR'd with the node id and written to the scratch
// register the bootloader reads back after a watchdog reset (spec.md §6).
const resetMagicBase uint32 = 0xDEADBE00

// scratchResetReg is the scratch register index holding the reset-handoff
// magic (spec.md §6: "register index 4").
const scratchResetReg = 4

// resetSleep and restartSleep are the fixed delays before the two reboot
// opcodes trigger a watchdog reset (spec.md §4.5).
const (
	resetSleep   = 100 * time.Millisecond
	restartSleep = 1 * time.Second
)

// writeMemoryHeaderWords is WRITE_MEMORY's fixed header:
// [opcode, length_lo, length_hi, addr_lo, addr_hi, rsvd] — 6 words, 12 bytes
// (spec.md §4.5: "frame.length ≥ 12 + length").
const writeMemoryHeaderWords = 6
const writeMemoryHeaderBytes = writeMemoryHeaderWords * 2

// Dispatcher owns the node's control surface: it decodes frames from the
// broker and drives every other component, replying through the same
// broker (spec.md §4.5).
type Dispatcher struct {
	NodeID uint8

	Engine *lif.Engine
	PSRAM  *memory.PSRAM
	OTA    *ota.Session
	Plat   platform.Capabilities
	Broker bus.Broker
	Log    *corelog.Logger

	TopologyBaseAddr uint32 // alias-qualified PSRAM address for DEPLOY_TOPOLOGY

	UpdateModeActive bool
	BootTimeUs       uint32
}

// New constructs a Dispatcher wired to the given node components.
func New(nodeID uint8, engine *lif.Engine, psram *memory.PSRAM, session *ota.Session, plat platform.Capabilities, broker bus.Broker, log *corelog.Logger, topologyBaseAddr uint32) *Dispatcher {
	return &Dispatcher{
		NodeID:           nodeID,
		Engine:           engine,
		PSRAM:            psram,
		OTA:              session,
		Plat:             plat,
		Broker:           broker,
		Log:              log,
		TopologyBaseAddr: topologyBaseAddr,
	}
}

// Dispatch decodes one CTRL frame and handles it, replying through the
// broker. It always calls Broker.Task() before returning, per spec.md
// §4.5's reply-starvation-avoidance contract.
func (d *Dispatcher) Dispatch(f bus.Frame) {
	defer d.Broker.Task()

	if len(f.Payload) < 1 {
		d.Log.Logf("dispatch: empty frame from src=%d", f.Src)
		return
	}
	op := Opcode(f.Payload[0])

	switch op {
	case OpPing:
		d.reply(f.Src, bus.StreamMgmt, []uint16{uint16(OpPing) | ackBit})
	case OpResetToBootloader:
		d.handleResetToBootloader(f, op)
	case OpReadStatus:
		d.handleReadStatus(f)
	case OpStartSNN:
		d.Engine.Start()
		d.ack(f.Src, bus.StreamSNNControl, op)
	case OpStopSNN:
		d.Engine.Stop()
		d.ack(f.Src, bus.StreamSNNControl, op)
	case OpPauseSNN:
		d.Engine.Pause()
		d.ack(f.Src, bus.StreamSNNControl, op)
	case OpResumeSNN:
		d.Engine.Resume()
		d.ack(f.Src, bus.StreamSNNControl, op)
	case OpInjectSpikeBatch:
		d.handleInjectSpikeBatch(f)
	case OpGetSNNStatus:
		d.handleGetSNNStatus(f)
	case OpWriteMemory:
		d.handleWriteMemory(f)
	case OpDeployTopology:
		d.handleDeployTopology(f)
	case OpUpdateModeEnter:
		if d.Engine.Running {
			d.Engine.Stop()
		}
		d.UpdateModeActive = true
		d.OTA.EnterUpdateMode()
	case OpUpdateModeExit:
		d.UpdateModeActive = false
		d.OTA.ExitUpdateMode()
	case OpUpdateStart:
		d.handleUpdateStart(f)
	case OpUpdateDataChunk:
		d.handleUpdateDataChunk(f)
	case OpUpdatePoll:
		d.handleUpdatePoll(f)
	case OpUpdateCommit:
		d.handleUpdateCommit(f)
	case OpUpdateRestart:
		d.Plat.Sleep(restartSleep)
		d.Plat.Reset()
	default:
		d.Log.Logf("dispatch: unknown opcode 0x%04x from src=%d", op, f.Src)
	}
}

func (d *Dispatcher) reply(dest uint8, stream bus.Stream, payload []uint16) {
	d.Broker.Send(bus.Frame{
		Type:    bus.UNICAST,
		Src:     d.NodeID,
		Dest:    dest,
		Stream:  stream,
		Payload: payload,
	})
}

func (d *Dispatcher) ack(dest uint8, stream bus.Stream, op Opcode) {
	d.reply(dest, stream, []uint16{uint16(op) | ackBit})
}

func (d *Dispatcher) handleResetToBootloader(f bus.Frame, op Opcode) {
	d.Plat.WriteScratch(scratchResetReg, resetMagicBase|uint32(d.NodeID))
	d.ack(f.Src, bus.StreamMgmt, op)
	d.Broker.Task()
	d.Plat.Sleep(resetSleep)
	d.Plat.Reset()
}

func (d *Dispatcher) handleReadStatus(f bus.Frame) {
	uptimeMs := (d.Plat.NowUs() - d.BootTimeUs) / 1000
	memFree := d.PSRAM.Size()
	snnRunning := uint16(0)
	if d.Engine.Running {
		snnRunning = 1
	}
	d.reply(f.Src, bus.StreamMgmt, []uint16{
		uint16(OpReadStatus),
		uint16(d.NodeID),
		uint16(uptimeMs), uint16(uptimeMs >> 16),
		uint16(memFree), uint16(memFree >> 16),
		0, 0, 0, // led_r, led_g, led_b: owned by a GPIO collaborator out of scope here
		snnRunning,
		uint16(len(d.Engine.Neurons)),
	})
}

func (d *Dispatcher) handleInjectSpikeBatch(f bus.Frame) {
	// Payload[0] is the opcode word consumed by Dispatch; every field below
	// is offset by one word for that reason.
	if len(f.Payload) < 2 {
		d.Log.Logf("inject_spike_batch: malformed frame from src=%d", f.Src)
		return
	}
	count := int(f.Payload[1])
	const wordsPerEntry = 2
	const fieldsStart = 2
	need := fieldsStart + count*wordsPerEntry
	if len(f.Payload) < need {
		d.Log.Logf("inject_spike_batch: truncated (count=%d) from src=%d", count, f.Src)
		return
	}
	for i := 0; i < count; i++ {
		idLo := f.Payload[fieldsStart+i*wordsPerEntry]
		idHi := f.Payload[fieldsStart+i*wordsPerEntry+1]
		id := uint32(idLo) | uint32(idHi)<<16
		d.Engine.Inject(spike.Spike{NeuronID: id, TimestampUs: d.Engine.CurrentTimeUs, Value: 1.0})
	}
}

func (d *Dispatcher) handleGetSNNStatus(f bus.Frame) {
	running := uint16(0)
	if d.Engine.Running {
		running = 1
	}
	totalSpikes := d.Engine.Stats.SpikesGenerated
	rateBits := math.Float32bits(float32(d.Engine.SpikeRateHz()))
	d.reply(f.Src, bus.StreamSNNControl, []uint16{
		uint16(OpGetSNNStatus),
		running,
		uint16(len(d.Engine.Neurons)),
		uint16(d.Engine.ActiveNeuronCount()),
		uint16(totalSpikes), uint16(totalSpikes >> 16),
		uint16(rateBits), uint16(rateBits >> 16),
	})
}

func (d *Dispatcher) handleWriteMemory(f bus.Frame) {
	if len(f.Payload) < writeMemoryHeaderWords {
		d.Log.Logf("write_memory: malformed header from src=%d", f.Src)
		return
	}
	length := uint32(f.Payload[1]) | uint32(f.Payload[2])<<16
	addr := uint32(f.Payload[3]) | uint32(f.Payload[4])<<16

	if uint32(f.LengthBytes()) < writeMemoryHeaderBytes+length {
		d.Log.Logf("write_memory: frame too short: length_bytes=%d want>=%d", f.LengthBytes(), writeMemoryHeaderBytes+length)
		return
	}

	payload := f.PayloadBytes()
	data := payload[writeMemoryHeaderBytes : writeMemoryHeaderBytes+length]
	d.PSRAM.Write(memory.UncachedBase+addr, data)
	d.reply(f.Src, bus.StreamMemory, []uint16{uint16(OpWriteMemory) | ackBit})
}

func (d *Dispatcher) handleDeployTopology(f bus.Frame) {
	neurons, err := topology.Load(d.PSRAM, d.NodeID, d.TopologyBaseAddr)
	if err != nil {
		d.Log.Logf("deploy_topology: %v", err)
		d.reply(f.Src, bus.StreamSNNConfig, []uint16{uint16(OpDeployTopology) | ackBit, 0})
		return
	}
	d.Engine.Neurons = neurons
	d.reply(f.Src, bus.StreamSNNConfig, []uint16{uint16(OpDeployTopology) | ackBit, 1})
}

func (d *Dispatcher) handleUpdateStart(f bus.Frame) {
	// Payload[0] is the opcode word; fields start at index 1.
	if len(f.Payload) < 8 {
		d.Log.Logf("update_start: malformed frame from src=%d", f.Src)
		return
	}
	targetNodeID := uint8(f.Payload[1])
	totalSize := uint32(f.Payload[2]) | uint32(f.Payload[3])<<16
	crc := uint32(f.Payload[4]) | uint32(f.Payload[5])<<16
	chunkSize := uint32(f.Payload[6])
	totalChunks := uint32(f.Payload[7])

	started := d.OTA.Start(d.NodeID, targetNodeID, totalSize, crc, chunkSize, totalChunks)
	available := d.PSRAM.Size() - ota.BufferOffset
	status := uint16(0)
	if started {
		status = 1
	}
	d.reply(f.Src, bus.StreamSNNConfig, []uint16{
		uint16(OpUpdateStart) | ackBit,
		status,
		uint16(available), uint16(available >> 16),
	})
}

func (d *Dispatcher) handleUpdateDataChunk(f bus.Frame) {
	// Payload[0] is the opcode word; fields start at index 1.
	if len(f.Payload) < 4 {
		d.Log.Logf("update_data_chunk: malformed frame from src=%d", f.Src)
		return
	}
	targetNodeID := uint8(f.Payload[1])
	chunkNum := uint32(f.Payload[2])
	dataSize := uint32(f.Payload[3])

	payload := f.PayloadBytes()
	const headerBytes = 8 // opcode + target_node_id + chunk_num + data_size, 4 words
	if uint32(len(payload)) < headerBytes+dataSize {
		d.Log.Logf("update_data_chunk: truncated chunk=%d from src=%d", chunkNum, f.Src)
		return
	}
	data := payload[headerBytes : headerBytes+dataSize]

	if err := d.OTA.DataChunk(d.PSRAM, targetNodeID, d.NodeID, chunkNum, data); err != nil {
		if err == coreerr.ErrNotTargeted {
			return
		}
		d.Log.Logf("update_data_chunk: %v", err)
		return
	}
	d.reply(f.Src, bus.StreamSNNConfig, []uint16{uint16(OpUpdateDataChunk) | ackBit, uint16(chunkNum)})
}

func (d *Dispatcher) handleUpdatePoll(f bus.Frame) {
	// Payload[0] is the opcode word; fields start at index 1.
	if len(f.Payload) < 3 {
		d.Log.Logf("update_poll: malformed frame from src=%d", f.Src)
		return
	}
	pollNodeID := uint8(f.Payload[1])
	if pollNodeID != d.NodeID {
		return
	}
	pollType := PollType(f.Payload[2])

	switch pollType {
	case PollStatus:
		available := d.PSRAM.Size() - ota.BufferOffset
		status := uint16(0)
		if d.OTA.Active {
			status = 1
		}
		d.reply(f.Src, bus.StreamSNNConfig, []uint16{
			uint16(OpUpdatePoll) | ackBit,
			status,
			uint16(available), uint16(available >> 16),
		})
	case PollVerify:
		ok, crc := d.OTA.VerifyPayload(d.PSRAM)
		okWord := uint16(0)
		if ok {
			okWord = 1
		}
		d.reply(f.Src, bus.StreamSNNConfig, []uint16{
			uint16(OpUpdatePoll) | ackBit,
			okWord,
			uint16(crc), uint16(crc >> 16),
		})
	}
}

func (d *Dispatcher) handleUpdateCommit(f bus.Frame) {
	ok, err := d.OTA.Commit(d.PSRAM, d.Plat)
	if err != nil {
		d.Log.Logf("update_commit: %v", err)
	}
	okWord := uint16(0)
	if ok {
		okWord = 1
	}
	d.reply(f.Src, bus.StreamSNNConfig, []uint16{uint16(OpUpdateCommit) | ackBit, okWord})
}
