package ring

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestPushAvailableRoundTrip(t *testing.T) {
	b := New(8)
	n := b.Push([]byte("hello"))
	if n != 5 {
		t.Fatalf("Push returned %d, want 5", n)
	}
	if got := b.Available(); got != 5 {
		t.Fatalf("Available() = %d, want 5", got)
	}
}

func TestFreeNeverExceedsCapMinusOne(t *testing.T) {
	b := New(8)
	if got := b.Free(); got != 7 {
		t.Fatalf("Free() = %d, want 7", got)
	}
	b.Push([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9})
	if got := b.Available(); got != 7 {
		t.Fatalf("Available() after overfill = %d, want 7 (usable capacity)", got)
	}
	if got := b.Free(); got != 0 {
		t.Fatalf("Free() after fill = %d, want 0", got)
	}
	if n := b.Push([]byte{1}); n != 0 {
		t.Fatalf("Push into full ring returned %d, want 0", n)
	}
}

func TestContiguousReadSegmentNeverCrossesWrap(t *testing.T) {
	b := New(8)
	b.Push([]byte{1, 2, 3, 4, 5})
	seg := b.ContiguousReadSegment()
	b.AdvanceRead(len(seg))
	b.Push([]byte{6, 7})
	if b.Available() != 2 {
		t.Fatalf("Available() = %d, want 2", b.Available())
	}
	seg = b.ContiguousReadSegment()
	b.AdvanceRead(len(seg))
	// Now write sits at the last physical slot; this push must wrap.
	n := b.Push([]byte{8, 9, 10, 11, 12})
	if n != 5 {
		t.Fatalf("Push after wrap returned %d, want 5", n)
	}
	var out []byte
	for b.Available() > 0 {
		seg := b.ContiguousReadSegment()
		if seg == nil {
			t.Fatal("ContiguousReadSegment returned nil while Available() > 0")
		}
		out = append(out, seg...)
		b.AdvanceRead(len(seg))
	}
	if !bytes.Equal(out, []byte{8, 9, 10, 11, 12}) {
		t.Fatalf("drained bytes = %v, want [8 9 10 11 12]", out)
	}
}

func TestSPSCPreservesByteOrderAcrossRandomInterleaving(t *testing.T) {
	b := New(16)
	src := make([]byte, 4000)
	rand.New(rand.NewSource(1)).Read(src)

	var produced, consumed []byte
	pos := 0
	for pos < len(src) || b.Available() > 0 {
		if pos < len(src) {
			chunkLen := 1 + rand.Intn(5)
			if chunkLen > len(src)-pos {
				chunkLen = len(src) - pos
			}
			n := b.Push(src[pos : pos+chunkLen])
			produced = append(produced, src[pos:pos+n]...)
			pos += n
		}
		if seg := b.ContiguousReadSegment(); seg != nil {
			take := len(seg)
			if take > 3 {
				take = 3
			}
			consumed = append(consumed, seg[:take]...)
			b.AdvanceRead(take)
		}
		if b.Available() > b.Cap()-1 {
			t.Fatalf("Available() = %d exceeds usable capacity %d", b.Available(), b.Cap()-1)
		}
	}
	if !bytes.Equal(produced, consumed) {
		t.Fatalf("consumer observed different bytes than producer pushed")
	}
}
