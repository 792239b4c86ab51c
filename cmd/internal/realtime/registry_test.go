package realtime

import (
	"testing"

	"agora/cmd/internal/conversation"
	"agora/cmd/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistry_JoinLeave(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	r := NewRegistry(m)
	k1 := conversation.NewKey("item-1", "buyer", "seller")
	k2 := conversation.NewKey("item-2", "buyer", "seller")

	a := NewClient("a", 8)
	b := NewClient("b", 8)

	if !r.Join(k1, a) {
		t.Fatalf("first join should report true")
	}
	if r.Join(k1, a) {
		t.Fatalf("second join of the same key should be a no-op")
	}
	r.Join(k1, b)
	r.Join(k2, a)

	if got := len(r.MembersOf(k1)); got != 2 {
		t.Fatalf("members of k1=%d want 2", got)
	}
	if got := r.Rooms(a); len(got) != 2 {
		t.Fatalf("rooms of a=%v want 2", got)
	}
	if r.Len() != 2 {
		t.Fatalf("len=%d want 2", r.Len())
	}
	if got := testutil.ToFloat64(m.RoomsActive); got != 2 {
		t.Fatalf("rooms gauge=%v want 2", got)
	}

	if !r.Leave(k1, b) {
		t.Fatalf("leave of a member should report true")
	}
	if r.Leave(k1, b) {
		t.Fatalf("leave of a non-member should report false")
	}
	if r.IsMember(k1, b) {
		t.Fatalf("b should no longer be in k1")
	}
}

func TestRegistry_LeaveAllPurgesEverything(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	k1 := conversation.NewKey("item-1", "buyer", "seller")
	k2 := conversation.NewKey("item-2", "buyer", "seller")
	a := NewClient("a", 8)
	b := NewClient("b", 8)

	r.Join(k1, a)
	r.Join(k2, a)
	r.Join(k2, b)

	left := r.LeaveAll(a)
	if len(left) != 2 {
		t.Fatalf("left=%v want both keys", left)
	}
	if len(r.Rooms(a)) != 0 {
		t.Fatalf("a still has rooms")
	}
	if r.Len() != 1 {
		t.Fatalf("only k2 should remain, len=%d", r.Len())
	}
	if ms := r.MembersOf(k2); len(ms) != 1 || ms[0] != b {
		t.Fatalf("k2 members=%v want [b]", ms)
	}
	if got := r.LeaveAll(a); len(got) != 0 {
		t.Fatalf("second LeaveAll should be empty, got %v", got)
	}
}

func TestRegistry_KeysCompareByValue(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	a := NewClient("a", 8)
	r.Join(conversation.NewKey(" item ", "buyer", "seller"), a)

	if !r.IsMember(conversation.Key{ItemID: "item", BuyerID: "buyer", SellerID: "seller"}, a) {
		t.Fatalf("equal keys built separately must address the same room")
	}
}
