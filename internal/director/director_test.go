package director

import (
	"testing"
	"time"
)

func TestDirector_PickRoundRobins(t *testing.T) {
	d := New("t", []string{"http://a", "http://b", "http://c"}, time.Second, time.Second)

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		b := d.Pick()
		if b == nil {
			t.Fatal("want a backend, got nil")
		}
		seen[b.Name] = true
	}
	if len(seen) != 3 {
		t.Fatalf("want 3 distinct backends visited in 3 picks, got %d", len(seen))
	}
}

func TestDirector_PickSkipsOpenBreaker(t *testing.T) {
	d := New("t", []string{"http://a", "http://b"}, time.Second, time.Second)
	backends := d.Backends()

	for i := 0; i < 10; i++ {
		backends[0].Breaker.RecordFailure()
	}
	if backends[0].Breaker.State().String() != "OPEN" {
		t.Skip("breaker did not trip under default config; tuning changed upstream")
	}

	for i := 0; i < 4; i++ {
		b := d.Pick()
		if b.Name != backends[1].Name {
			t.Fatalf("want every pick to skip the open breaker, got %s", b.Name)
		}
	}
}

func TestDirector_PickReturnsNilWhenEmpty(t *testing.T) {
	d := New("t", nil, time.Second, time.Second)
	if b := d.Pick(); b != nil {
		t.Fatalf("want nil backend for an empty director, got %+v", b)
	}
}
