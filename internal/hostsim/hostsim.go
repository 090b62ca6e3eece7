// Package hostsim implements platform.Capabilities and platform.Flash on a
// plain host, so the node's core can run and be tested without real PSRAM,
// flash, or a watchdog attached. It is the "executable reference model" half
// of this module, the same role SupraX.go's Example() harness played for
// the out-of-order CPU it documented: a runnable stand-in for hardware that
// exercises the exact state transitions the real board would.
package hostsim

import (
	"time"

	"github.com/texelec/neurofab-z1-cluster-sub001/internal/coreerr"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/platform"
)

// Clock is a free-running microsecond counter advanced explicitly by tests
// and the demo harness (never by wall-clock time), matching spec.md §9's
// "let the caller supply now_us".
type Clock struct {
	us uint32
}

// Advance moves the clock forward by deltaUs and returns the new value.
func (c *Clock) Advance(deltaUs uint32) uint32 {
	c.us += deltaUs
	return c.us
}

// Now returns the current simulated time without advancing it.
func (c *Clock) Now() uint32 { return c.us }

// Platform is a host-resident platform.Capabilities. ResetRequested and
// ReadScratch let tests observe watchdog-reset behavior without actually
// terminating the process.
type Platform struct {
	clock *Clock

	scratch         [8]uint32
	interruptsOff   bool
	resetRequested  bool
	sleeps          []time.Duration
	barrierCount    int
	flash           *Flash
	interruptNestMu int
}

// New returns a Platform sharing the given clock (or a fresh one if nil) and
// a flash region of size flashSize bytes.
func New(clock *Clock, flashSize uint32) *Platform {
	if clock == nil {
		clock = &Clock{}
	}
	return &Platform{
		clock: clock,
		flash: NewFlash(flashSize),
	}
}

func (p *Platform) DisableInterrupts() { p.interruptNestMu++; p.interruptsOff = true }
func (p *Platform) EnableInterrupts() {
	if p.interruptNestMu > 0 {
		p.interruptNestMu--
	}
	p.interruptsOff = p.interruptNestMu > 0
}

func (p *Platform) Barrier() { p.barrierCount++ }

func (p *Platform) WriteScratch(reg int, value uint32) {
	if reg < 0 || reg >= len(p.scratch) {
		return
	}
	p.scratch[reg] = value
}

func (p *Platform) ReadScratch(reg int) uint32 {
	if reg < 0 || reg >= len(p.scratch) {
		return 0
	}
	return p.scratch[reg]
}

func (p *Platform) KickWatchdog() {}

func (p *Platform) Reset() { p.resetRequested = true }

func (p *Platform) Sleep(d time.Duration) { p.sleeps = append(p.sleeps, d) }

func (p *Platform) NowUs() uint32 { return p.clock.Now() }

func (p *Platform) Flash() platform.Flash { return p.flash }

// ResetRequested reports whether Reset() has been called (test hook).
func (p *Platform) ResetRequested() bool { return p.resetRequested }

// Sleeps returns the recorded Sleep durations in call order (test hook).
func (p *Platform) Sleeps() []time.Duration { return p.sleeps }

// BarrierCount returns how many times Barrier() has been invoked (test hook).
func (p *Platform) BarrierCount() int { return p.barrierCount }

// InterruptsDisabled reports whether the platform is currently inside a
// DisableInterrupts/EnableInterrupts critical section (test hook).
func (p *Platform) InterruptsDisabled() bool { return p.interruptsOff }

// LED is a host-resident heartbeat indicator: it records on/off
// transitions instead of driving a real GPIO, the same observation-hook
// role Platform's Sleeps/BarrierCount play for other side effects.
type LED struct {
	on          bool
	transitions int
}

// SetBlue implements runloop.LED.
func (l *LED) SetBlue(on bool) {
	if on != l.on {
		l.transitions++
	}
	l.on = on
}

// On reports the LED's current state (test hook).
func (l *LED) On() bool { return l.on }

// Transitions reports how many on/off edges SetBlue has recorded (test hook).
func (l *LED) Transitions() int { return l.transitions }

// Flash is an in-memory flash-partition simulator implementing
// platform.Flash: erase sets bytes to 0xFF, program can only clear bits
// (1->0) the way real NOR flash does and rejects a page that would need to
// set one, and reads are byte-exact.
type Flash struct {
	data         []byte
	FailProgram  bool // test hook: force Program to return ErrFlashProgramError
	ErasedRanges [][2]uint32
}

// NewFlash allocates a flash simulator of size bytes, initialized erased
// (all 0xFF) the way blank NOR flash reads.
func NewFlash(size uint32) *Flash {
	f := &Flash{data: make([]byte, size)}
	for i := range f.data {
		f.data[i] = 0xFF
	}
	return f
}

func (f *Flash) Erase(offset, length uint32) error {
	end := offset + length
	if end > uint32(len(f.data)) || end < offset {
		return coreerr.ErrOutOfRange
	}
	for i := offset; i < end; i++ {
		f.data[i] = 0xFF
	}
	f.ErasedRanges = append(f.ErasedRanges, [2]uint32{offset, length})
	return nil
}

func (f *Flash) Program(offset uint32, page []byte) error {
	if f.FailProgram {
		return coreerr.ErrFlashProgramError
	}
	end := offset + uint32(len(page))
	if end > uint32(len(f.data)) || end < offset {
		return coreerr.ErrOutOfRange
	}
	for i, b := range page {
		// Real NOR flash can only clear bits during program (1->0), never
		// set them; a byte that needs a 0->1 change would be left wrong
		// silently on hardware, so reject it instead of succeeding.
		cur := f.data[offset+uint32(i)]
		if cur&b != b {
			return coreerr.ErrFlashProgramError
		}
		f.data[offset+uint32(i)] = b
	}
	return nil
}

func (f *Flash) Read(offset, length uint32) ([]byte, error) {
	end := offset + length
	if end > uint32(len(f.data)) || end < offset {
		return nil, coreerr.ErrOutOfRange
	}
	out := make([]byte, length)
	copy(out, f.data[offset:end])
	return out, nil
}
