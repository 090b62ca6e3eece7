// Package ota implements the OtaSession state machine: chunked firmware
// receive into a PSRAM staging buffer, CRC32 verification, and the
// flash erase/program/read-back-verify commit procedure (spec.md §4.6).
// The chunk-presence bitmap is the same fixed-word-array + shift/mask
// idiom as legacyproto/tage.TAGETable.ValidBits, carried over from a
// branch-predictor's table validity tracking to a firmware chunk
// tracker — both are "is slot N present" bitsets over a bounded range.
package ota

import (
	"hash/crc32"
	"math/bits"

	"github.com/texelec/neurofab-z1-cluster-sub001/internal/coreerr"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/memory"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/platform"
)

// BufferOffset is the OTA staging buffer's fixed location relative to the
// PSRAM logical base: 1 MiB (spec.md §4.6). The spec states the same
// literal offset for the neuron table (topology.BaseOffset) without
// reconciling the overlap; see DESIGN.md.
const BufferOffset uint32 = 1 << 20

// ApplicationPartitionOffset is where COMMIT erases and programs flash
// (spec.md §6: application partition starts at 0x00080000).
const ApplicationPartitionOffset uint32 = 0x00080000

// MaxTotalChunks bounds the chunk bitmap at 128 words × 32 bits (spec.md
// §3: "total_chunks ≤ 4096").
const MaxTotalChunks = 128 * 32

// State is the session's position in its lifecycle (spec.md §4.6).
type State int

const (
	StateIdle State = iota
	StateModeEntered
	StateReceiving
	StateVerified
	StateCommitted
)

// Session owns at most one active firmware update. It is an owned value,
// constructed once per node and reused across updates, never a
// package-level singleton.
type Session struct {
	State State

	Active         bool
	FirmwareSize   uint32
	ExpectedCRC32  uint32
	ChunkSize      uint32
	TotalChunks    uint32
	ChunksReceived uint32
	Bitmap         [MaxTotalChunks / 32]uint32

	bufferAddr uint32 // alias-qualified PSRAM address of the staging buffer
}

// New constructs an idle session staged at the given alias-qualified PSRAM
// address (typically memory.UncachedBase+BufferOffset).
func New(bufferAddr uint32) *Session {
	return &Session{bufferAddr: bufferAddr}
}

// EnterUpdateMode transitions towards Receiving readiness. The caller
// (CommandDispatcher) is responsible for stopping the LIF engine first, per
// spec.md §4.5's UPDATE_MODE_ENTER contract.
func (s *Session) EnterUpdateMode() {
	s.State = StateModeEntered
}

// ExitUpdateMode tears down any in-flight session and returns to Idle
// (spec.md §4.6: "any --UPDATE_MODE_EXIT--> Idle").
func (s *Session) ExitUpdateMode() {
	*s = Session{bufferAddr: s.bufferAddr}
}

// Start begins receiving a new firmware image, replacing any existing
// session (spec.md: "any UPDATE_START replacing it"). It is a no-op — the
// session is left unchanged — when targetNodeID does not address this
// node; the caller still owes the controller an UPDATE_READY reply either
// way.
func (s *Session) Start(nodeID, targetNodeID uint8, totalSize, expectedCRC32, chunkSize, totalChunks uint32) bool {
	if targetNodeID != nodeID {
		return false
	}
	bufferAddr := s.bufferAddr
	*s = Session{bufferAddr: bufferAddr}
	s.Active = true
	s.FirmwareSize = totalSize
	s.ExpectedCRC32 = expectedCRC32
	s.ChunkSize = chunkSize
	s.TotalChunks = totalChunks
	s.State = StateReceiving
	return true
}

// DataChunk writes one chunk's payload into the staging buffer and marks
// its bit present (spec.md §4.5 UPDATE_DATA_CHUNK). Chunks may arrive out
// of order.
func (s *Session) DataChunk(psram *memory.PSRAM, targetNodeID uint8, nodeID uint8, chunkNum uint32, data []byte) error {
	if targetNodeID != nodeID {
		return coreerr.ErrNotTargeted
	}
	if chunkNum >= s.TotalChunks || chunkNum >= MaxTotalChunks {
		return coreerr.ErrBadChunk
	}

	psram.Write(s.bufferAddr+chunkNum*s.ChunkSize, data)
	s.setBit(chunkNum)
	s.ChunksReceived++
	return nil
}

// Complete reports whether every chunk bit is set (spec.md §4.6: "session
// is considered complete when all total_chunks bits are set").
func (s *Session) Complete() bool {
	return s.Popcount() == s.TotalChunks
}

// Popcount is the live count of set bitmap bits, independent of the
// advisory ChunksReceived counter (spec.md §8 invariant 9).
func (s *Session) Popcount() uint32 {
	var n uint32
	for _, w := range s.Bitmap {
		n += uint32(bits.OnesCount32(w))
	}
	return n
}

func (s *Session) setBit(idx uint32) {
	wordIdx := idx / 32
	bitIdx := idx % 32
	s.Bitmap[wordIdx] |= 1 << bitIdx
}

// VerifyPayload computes CRC32/IEEE-802.3 over the staged [0, FirmwareSize)
// range in PSRAM and compares it to ExpectedCRC32 (spec.md §4.5
// UPDATE_POLL VERIFY). On success it advances the session to Verified.
func (s *Session) VerifyPayload(psram *memory.PSRAM) (ok bool, crc uint32) {
	buf := make([]byte, s.FirmwareSize)
	psram.Read(s.bufferAddr, buf)
	crc = crc32.ChecksumIEEE(buf)
	ok = crc == s.ExpectedCRC32
	if ok {
		s.State = StateVerified
	}
	return ok, crc
}

// Commit performs the atomic-looking flash replacement (spec.md §4.6):
// disable interrupts, erase the rounded-up application partition range,
// program sequential pages (padding the final partial page with 0xFF),
// restore interrupts, then read back and CRC-check outside the critical
// section. On success it clears Active; on any failure it leaves the
// session open for the controller to retry.
func (s *Session) Commit(psram *memory.PSRAM, plat platform.Capabilities) (ok bool, err error) {
	if s.State != StateVerified {
		return false, coreerr.ErrNoActiveSession
	}

	flash := plat.Flash()
	eraseLen := ceilToBlock(s.FirmwareSize, platform.EraseBlockSize)

	plat.DisableInterrupts()
	if err := flash.Erase(ApplicationPartitionOffset, eraseLen); err != nil {
		plat.EnableInterrupts()
		return false, err
	}
	if err := s.programPages(psram, flash); err != nil {
		plat.EnableInterrupts()
		return false, err
	}
	plat.EnableInterrupts()

	data, err := flash.Read(ApplicationPartitionOffset, s.FirmwareSize)
	if err != nil {
		return false, err
	}
	if crc32.ChecksumIEEE(data) != s.ExpectedCRC32 {
		return false, coreerr.ErrCrcMismatch
	}

	s.Active = false
	s.State = StateCommitted
	return true, nil
}

func (s *Session) programPages(psram *memory.PSRAM, flash platform.Flash) error {
	page := make([]byte, platform.PageSize)
	var written uint32
	for written < s.FirmwareSize {
		n := uint32(platform.PageSize)
		if remaining := s.FirmwareSize - written; remaining < n {
			n = remaining
		}
		psram.Read(s.bufferAddr+written, page[:n])
		for i := n; i < uint32(len(page)); i++ {
			page[i] = 0xFF
		}
		if err := flash.Program(ApplicationPartitionOffset+written, page); err != nil {
			return err
		}
		written += n
	}
	return nil
}

func ceilToBlock(size, block uint32) uint32 {
	return (size + block - 1) / block * block
}
