// Package memory implements PsramIO (spec.md §4.1): durable, coherent
// access to the external quad-SPI PSRAM mapped at a cached alias (reads) and
// an uncached alias (writes). On this hardware byte-wise stores to the
// uncached alias silently corrupt data, so every write here is synthesized
// from whole 32-bit word stores plus a read-modify-store tail, the same way
// SupraX.go's Memory type only ever moves 64-bit words and the out-of-order
// scheduler only ever touches whole bitmap words — no sub-word access is
// trusted to the hardware.
package memory

import (
	"encoding/binary"

	"github.com/texelec/neurofab-z1-cluster-sub001/internal/corelog"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/platform"
)

const (
	// UncachedBase is the logical base address of the write-coherent PSRAM
	// alias.
	UncachedBase uint32 = 0x90000000
	// CachedBase is the logical base address of the cached alias over the
	// same physical cells. PSRAM resolves both aliases to the same backing
	// memory; Write and WriteWord do not refuse addresses in this alias.
	CachedBase uint32 = 0x10000000

	wordSize = 4
)

// PSRAM is a typed handle onto external PSRAM, accepting addresses in
// either of its two aliases. The core's callers write through the uncached
// alias and read through it too, to guarantee read-after-write coherence
// within the run-loop task (spec.md §4.1).
type PSRAM struct {
	size uint32
	mem  []byte
	plat platform.Capabilities
	log  *corelog.Logger
}

// New allocates a PSRAM handle of size bytes backed by plat's barrier.
func New(size uint32, plat platform.Capabilities, log *corelog.Logger) *PSRAM {
	return &PSRAM{
		size: size,
		mem:  make([]byte, size),
		plat: plat,
		log:  log,
	}
}

// Size returns the PSRAM capacity in bytes.
func (p *PSRAM) Size() uint32 { return p.size }

func (p *PSRAM) offset(addr uint32) (uint32, bool) {
	switch {
	case addr >= UncachedBase:
		return addr - UncachedBase, true
	case addr >= CachedBase:
		return addr - CachedBase, true
	default:
		return 0, false
	}
}

// Write stores len(data) bytes at addr (expressed in either alias), using
// whole-word stores with a read-modify-store on the final partial word, then
// emits a release barrier. Out-of-range writes are a logged no-op — this
// never returns an error to the caller because the hardware has no fault
// path to report through; §4.1: "fails silently (with a log)".
func (p *PSRAM) Write(addr uint32, data []byte) {
	off, ok := p.offset(addr)
	if !ok || off+uint32(len(data)) > p.size {
		p.log.Logf("write out of range: addr=0x%08x len=%d", addr, len(data))
		return
	}

	i := 0
	for ; i+wordSize <= len(data); i += wordSize {
		w := binary.LittleEndian.Uint32(data[i : i+wordSize])
		p.storeWord(off+uint32(i), w)
	}

	// Tail: read-modify-store so the final partial word never issues a
	// sub-word store to the uncached alias.
	if rem := len(data) - i; rem > 0 {
		wordOff := off + uint32(i)
		existing := p.loadWordBytes(wordOff)
		copy(existing[:rem], data[i:])
		p.storeWordBytes(wordOff, existing)
	}

	p.plat.Barrier()
}

// Read loads len(out) bytes from addr into out, symmetric with Write: whole
// words plus a partial tail, with a barrier before return to pair with any
// prior writer. Out-of-range reads are a logged no-op leaving out untouched.
func (p *PSRAM) Read(addr uint32, out []byte) {
	off, ok := p.offset(addr)
	if !ok || off+uint32(len(out)) > p.size {
		p.log.Logf("read out of range: addr=0x%08x len=%d", addr, len(out))
		return
	}

	i := 0
	for ; i+wordSize <= len(out); i += wordSize {
		w := p.loadWord(off + uint32(i))
		binary.LittleEndian.PutUint32(out[i:i+wordSize], w)
	}
	if rem := len(out) - i; rem > 0 {
		existing := p.loadWordBytes(off + uint32(i))
		copy(out[i:], existing[:rem])
	}

	p.plat.Barrier()
}

// WriteWord performs a single aligned 32-bit store with a barrier.
func (p *PSRAM) WriteWord(addr uint32, value uint32) {
	off, ok := p.offset(addr)
	if !ok || off+wordSize > p.size {
		p.log.Logf("write_word out of range: addr=0x%08x", addr)
		return
	}
	p.storeWord(off, value)
	p.plat.Barrier()
}

// ReadWord performs a single aligned 32-bit load with a barrier.
func (p *PSRAM) ReadWord(addr uint32) uint32 {
	off, ok := p.offset(addr)
	if !ok || off+wordSize > p.size {
		p.log.Logf("read_word out of range: addr=0x%08x", addr)
		return 0
	}
	w := p.loadWord(off)
	p.plat.Barrier()
	return w
}

func (p *PSRAM) storeWord(off uint32, value uint32) {
	binary.LittleEndian.PutUint32(p.mem[off:off+wordSize], value)
}

func (p *PSRAM) loadWord(off uint32) uint32 {
	return binary.LittleEndian.Uint32(p.mem[off : off+wordSize])
}

// storeWordBytes writes b's bytes at off, clamped to the backing array's
// extent: a tail word at PSRAM top may have fewer than wordSize bytes of
// room, and the out-of-range portion (always the RMW's untouched padding,
// never caller data) is simply not written rather than slicing past
// p.mem's end.
func (p *PSRAM) storeWordBytes(off uint32, b [wordSize]byte) {
	end := off + wordSize
	if end > uint32(len(p.mem)) {
		end = uint32(len(p.mem))
	}
	if end > off {
		copy(p.mem[off:end], b[:end-off])
	}
}

// loadWordBytes loads one word's worth of bytes at off, clamped to the
// backing array's extent: a tail word at PSRAM top may have fewer than
// wordSize bytes actually present, and the rest stay zero rather than
// slicing past p.mem's end.
func (p *PSRAM) loadWordBytes(off uint32) [wordSize]byte {
	var b [wordSize]byte
	end := off + wordSize
	if end > uint32(len(p.mem)) {
		end = uint32(len(p.mem))
	}
	if end > off {
		copy(b[:end-off], p.mem[off:end])
	}
	return b
}
