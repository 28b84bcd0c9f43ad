package wire

import "testing"

func TestTagMultiplexingRoundTrip(t *testing.T) {
	for tag := TagRequestNode; tag < tagCount; tag++ {
		batched := tag.Batched()
		if !batched.IsBatched() {
			t.Fatalf("%v.Batched() = %v, want IsBatched() true", tag, batched)
		}
		if got := batched.Base(); got != tag {
			t.Fatalf("tag %v: got Base() = %v after batching, want %v", tag, got, tag)
		}
	}
}

func TestUnbatchedTagsBelowOffset(t *testing.T) {
	if tagCount >= MsgOffsetBatched {
		t.Fatalf("tag namespace (%d tags) has grown into MsgOffsetBatched (%d)", tagCount, MsgOffsetBatched)
	}
}

func TestBaseIsIdempotentOnUnbatchedTag(t *testing.T) {
	if got := TagWarmup.Base(); got != TagWarmup {
		t.Fatalf("Base() on unbatched tag changed it: got %v, want %v", got, TagWarmup)
	}
}
