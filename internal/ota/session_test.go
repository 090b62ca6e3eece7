package ota

import (
	"bytes"
	"hash/crc32"
	"testing"

	"github.com/texelec/neurofab-z1-cluster-sub001/internal/hostsim"
	"github.com/texelec/neurofab-z1-cluster-sub001/internal/memory"
)

func newTestRig(t *testing.T) (*Session, *memory.PSRAM, *hostsim.Platform) {
	t.Helper()
	plat := hostsim.New(nil, 1<<21)
	psram := memory.New(1<<22, plat, nil)
	return New(memory.UncachedBase + BufferOffset), psram, plat
}

func firmwareFixture(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i*7 + 3)
	}
	return buf
}

func TestOtaRoundTripReverseChunkOrder(t *testing.T) {
	const (
		firmwareSize = 4096
		chunkSize    = 256
		totalChunks  = firmwareSize / chunkSize
	)
	s, psram, plat := newTestRig(t)
	firmware := firmwareFixture(firmwareSize)
	crc := crc32.ChecksumIEEE(firmware)

	s.EnterUpdateMode()
	if !s.Start(1, 1, firmwareSize, crc, chunkSize, totalChunks) {
		t.Fatalf("Start did not target self")
	}

	for i := totalChunks - 1; i >= 0; i-- {
		chunk := firmware[i*chunkSize : (i+1)*chunkSize]
		if err := s.DataChunk(psram, 1, 1, uint32(i), chunk); err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
	}

	if !s.Complete() {
		t.Fatalf("expected bitmap complete, popcount=%d total=%d", s.Popcount(), s.TotalChunks)
	}
	if s.ChunksReceived != totalChunks {
		t.Fatalf("chunks_received = %d, want %d", s.ChunksReceived, totalChunks)
	}

	ok, gotCRC := s.VerifyPayload(psram)
	if !ok {
		t.Fatalf("verify failed: got crc 0x%x want 0x%x", gotCRC, crc)
	}

	ok, err := s.Commit(psram, plat)
	if err != nil || !ok {
		t.Fatalf("commit failed: ok=%v err=%v", ok, err)
	}
	if s.Active {
		t.Fatalf("expected session inactive after successful commit")
	}

	readBack, err := plat.Flash().Read(ApplicationPartitionOffset, firmwareSize)
	if err != nil {
		t.Fatalf("flash read-back: %v", err)
	}
	if !bytes.Equal(readBack, firmware) {
		t.Fatalf("flash contents mismatch after commit")
	}
}

func TestDataChunkIgnoredWhenNotTargeted(t *testing.T) {
	s, psram, _ := newTestRig(t)
	s.Start(1, 1, 256, 0, 256, 1)
	if err := s.DataChunk(psram, 2, 1, 0, make([]byte, 256)); err == nil {
		t.Fatalf("expected NotTargeted error")
	}
}

func TestDataChunkRejectsOutOfRangeChunkNum(t *testing.T) {
	s, psram, _ := newTestRig(t)
	s.Start(1, 1, 256, 0, 256, 1)
	if err := s.DataChunk(psram, 1, 1, 5, make([]byte, 256)); err == nil {
		t.Fatalf("expected BadChunk error")
	}
}

func TestVerifyFailsOnCrcMismatch(t *testing.T) {
	s, psram, _ := newTestRig(t)
	s.Start(1, 1, 256, 0xdeadbeef, 256, 1)
	s.DataChunk(psram, 1, 1, 0, firmwareFixture(256))
	if ok, _ := s.VerifyPayload(psram); ok {
		t.Fatalf("expected verify to fail on crc mismatch")
	}
	if s.State == StateVerified {
		t.Fatalf("state must not advance to Verified on mismatch")
	}
}

func TestCommitRefusedBeforeVerify(t *testing.T) {
	s, psram, plat := newTestRig(t)
	s.Start(1, 1, 256, 0, 256, 1)
	if ok, err := s.Commit(psram, plat); ok || err == nil {
		t.Fatalf("expected commit to refuse an unverified session")
	}
}

func TestExitUpdateModeClearsSession(t *testing.T) {
	s, psram, _ := newTestRig(t)
	s.Start(1, 1, 256, 0, 256, 1)
	s.DataChunk(psram, 1, 1, 0, firmwareFixture(256))
	s.ExitUpdateMode()
	if s.Active || s.Popcount() != 0 || s.State != StateIdle {
		t.Fatalf("expected session cleared, got %+v", s)
	}
}

func TestPopcountMatchesChunksReceivedAfterOutOfOrderArrival(t *testing.T) {
	s, psram, _ := newTestRig(t)
	s.Start(1, 1, 1024, 0, 256, 4)
	order := []uint32{2, 0, 3, 1}
	for _, n := range order {
		s.DataChunk(psram, 1, 1, n, firmwareFixture(256))
	}
	if s.Popcount() != uint32(len(order)) {
		t.Fatalf("popcount = %d, want %d", s.Popcount(), len(order))
	}
}
