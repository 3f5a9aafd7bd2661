package ids

import (
	"testing"
	"time"
)

func TestNewIsMonotonic(t *testing.T) {
	at := time.Now()
	prev := NewAt(at)
	for i := 0; i < 1000; i++ {
		next := NewAt(at)
		if next <= prev {
			t.Fatalf("id %q not greater than %q", next, prev)
		}
		prev = next
	}
}

func TestTimeRoundTrip(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123)
	got, ok := Time(NewAt(at))
	if !ok {
		t.Fatal("expected parsable id")
	}
	if !got.Equal(at) {
		t.Fatalf("time=%v, want %v", got, at)
	}
	if _, ok := Time("not-an-id"); ok {
		t.Fatal("expected parse failure")
	}
}
