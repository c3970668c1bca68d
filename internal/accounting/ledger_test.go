package accounting

import (
	"testing"
	"time"
)

func TestLedger_EndForwardsToSink(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	ledger := NewLedger(&BusSink{Bus: bus})
	tReq := time.Now()
	tResp := tReq.Add(25 * time.Millisecond)

	ledger.End("req-1", "GET", "/widget", "deadbeef", "fetch", 200, 0, tReq, tResp, "")

	select {
	case rec := <-ch:
		if rec.RequestID != "req-1" || rec.Kind != "fetch" || rec.Status != 200 {
			t.Fatalf("unexpected record: %+v", rec)
		}
		if rec.Duration != 25*time.Millisecond {
			t.Fatalf("want duration 25ms, got %v", rec.Duration)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the record")
	}
}

func TestLedger_NilSinkDoesNotPanic(t *testing.T) {
	ledger := NewLedger(nil)
	ledger.End("req-2", "GET", "/x", "", "hit", 200, 0, time.Now(), time.Now(), "")
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	if bus.SubscriberCount() != 0 {
		t.Fatalf("want 0 subscribers after unsubscribe, got %d", bus.SubscriberCount())
	}

	bus.Publish(&Record{RequestID: "dropped"})
	if _, ok := <-ch; ok {
		t.Fatal("want the unsubscribed channel closed, not delivering")
	}
}
