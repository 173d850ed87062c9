package realtime

import (
	"context"
	"encoding/json"
	"testing"

	"teampoints/core"
)

func TestHubSubscribeBroadcastUnsubscribe(t *testing.T) {
	h := NewHub()
	id, ch := h.Subscribe(1, Filter{})

	ev := core.NewGroupPointsChanged("grp_a", "join_hackathon", 10, 10, "Joined")
	h.Broadcast(context.Background(), ev)

	received := <-ch
	if received.GroupID != "grp_a" || received.Type != core.EventGroupPointsChanged {
		t.Fatalf("unexpected event: %+v", received)
	}

	h.Unsubscribe(id)
	_, ok := <-ch
	if ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
	if h.Subscribers() != 0 {
		t.Fatal("subscriber still registered")
	}
}

func TestHubFilters(t *testing.T) {
	h := NewHub()
	_, ch := h.Subscribe(4, Filter{GroupID: "grp_b", Types: []core.EventType{core.EventCapReached}})

	h.Broadcast(context.Background(), core.NewCapReached("grp_a", "r", 1, 10, 10))
	h.Broadcast(context.Background(), core.NewGroupPointsChanged("grp_b", "r", 1, 1, "x"))
	h.Broadcast(context.Background(), core.NewCapReached("grp_b", "r", 0, 10, 10))

	if len(ch) != 1 {
		t.Fatalf("want 1 event got %d", len(ch))
	}
	if ev := <-ch; ev.GroupID != "grp_b" || ev.Type != core.EventCapReached {
		t.Fatalf("unexpected %+v", ev)
	}
}

func TestHubDropsWhenFull(t *testing.T) {
	h := NewHub()
	h.Subscribe(1, Filter{})
	h.Broadcast(context.Background(), core.NewRulesReloaded(1))
	h.Broadcast(context.Background(), core.NewRulesReloaded(1))
	if h.Dropped() != 1 {
		t.Fatalf("dropped %d", h.Dropped())
	}
}

func TestMarshalJSON(t *testing.T) {
	ev := core.NewPersonPointsRecorded("p_alice", "grp_a", "join_hackathon", 10, 10, "Joined")
	b := MarshalJSON(ev)
	var out core.Event
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.PersonID != "p_alice" || out.ID != ev.ID {
		t.Fatalf("unexpected event: %+v", out)
	}
}
