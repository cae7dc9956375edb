// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package book

import (
	"fmt"
	"testing"
	"time"
)

const tMarket = "btc-above-100k"

func tAsk(id uint64, from string, stamp int64) *Ask {
	return &Ask{
		PositionID: id,
		Price:      "12.5",
		Mu:         0.42,
		Sigma:      0.1,
		Collateral: "100",
		From:       from,
		Stamp:      stamp,
	}
}

func askIDs(asks []*Ask) []uint64 {
	ids := make([]uint64, len(asks))
	for i, ask := range asks {
		ids[i] = ask.PositionID
	}
	return ids
}

func TestAskCancelRoundTrip(t *testing.T) {
	s := NewStore()
	if !s.AddAsk(tMarket, tAsk(1, "0xAAA", 100)) {
		t.Fatal("ask rejected")
	}
	if len(s.Asks(tMarket)) != 1 {
		t.Fatalf("expected 1 ask, got %d", len(s.Asks(tMarket)))
	}
	// Cancel from another account must not remove it.
	s.CancelAsk(tMarket, 1, "0xBBB")
	if len(s.Asks(tMarket)) != 1 {
		t.Fatal("cancel by non-owner removed the ask")
	}
	s.CancelAsk(tMarket, 1, "0xaaa") // case-insensitive owner match
	if len(s.Asks(tMarket)) != 0 {
		t.Fatal("book not empty after owner cancel")
	}
}

func TestAskUpsert(t *testing.T) {
	s := NewStore()
	s.AddAsk(tMarket, tAsk(7, "0xAAA", 100))
	s.AddAsk(tMarket, tAsk(8, "0xAAA", 110))
	repriced := tAsk(7, "0xAAA", 120)
	repriced.Price = "13.0"
	s.AddAsk(tMarket, repriced)
	asks := s.Asks(tMarket)
	if len(asks) != 2 {
		t.Fatalf("upsert duplicated ask, got %d entries", len(asks))
	}
	// Reposted ask moves to the front.
	if asks[0].PositionID != 7 || asks[0].Price != "13.0" {
		t.Fatalf("expected repriced ask first, got %+v", asks[0])
	}
}

func TestAskCapEviction(t *testing.T) {
	s := NewStore()
	for i := 0; i < MaxAsks+5; i++ {
		s.AddAsk(tMarket, tAsk(uint64(i), fmt.Sprintf("0x%03d", i), int64(i)))
	}
	asks := s.Asks(tMarket)
	if len(asks) != MaxAsks {
		t.Fatalf("expected %d asks, got %d", MaxAsks, len(asks))
	}
	// Newest first: the oldest five were evicted.
	if asks[0].PositionID != MaxAsks+4 {
		t.Fatalf("wrong newest ask %d", asks[0].PositionID)
	}
	if asks[len(asks)-1].PositionID != 5 {
		t.Fatalf("wrong oldest surviving ask %d", asks[len(asks)-1].PositionID)
	}
}

func TestFillPurgesAndPoisons(t *testing.T) {
	s := NewStore()
	// Two sellers somehow advertising the same position, plus a bystander.
	s.AddAsk(tMarket, tAsk(1, "0xAAA", 100))
	s.AddAsk(tMarket, tAsk(1, "0xBBB", 101))
	s.AddAsk(tMarket, tAsk(2, "0xCCC", 102))

	fill := &Fill{PositionID: 1, Price: "12.5", Buyer: "0xDDD", Seller: "0xAAA", Stamp: 103}
	if !s.AddFill(tMarket, fill) {
		t.Fatal("first fill rejected")
	}
	if s.AddFill(tMarket, fill) {
		t.Fatal("duplicate fill applied")
	}
	asks := s.Asks(tMarket)
	if len(asks) != 1 || asks[0].PositionID != 2 {
		t.Fatalf("fill did not purge all asks for position 1: %v", askIDs(asks))
	}
	if !s.IsPoisoned(1) {
		t.Fatal("position not poisoned after fill")
	}
	// The position can never return as an ask.
	if s.AddAsk(tMarket, tAsk(1, "0xAAA", 200)) {
		t.Fatal("ask accepted for poisoned position")
	}
	if len(s.Fills(tMarket)) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(s.Fills(tMarket)))
	}
}

func TestPoisonIsGlobal(t *testing.T) {
	s := NewStore()
	s.AddFill("market-a", &Fill{PositionID: 9, Buyer: "0xB", Seller: "0xS", Stamp: 1})
	if s.AddAsk("market-b", tAsk(9, "0xAAA", 2)) {
		t.Fatal("poisoned position accepted in another market")
	}
}

func TestSyncReplacesOnlySender(t *testing.T) {
	s := NewStore()
	s.AddAsk(tMarket, tAsk(1, "0xAAA", 100))
	s.AddAsk(tMarket, tAsk(2, "0xAAA", 101))
	s.AddAsk(tMarket, tAsk(3, "0xBBB", 102))

	// 0xAAA's snapshot drops ask 1 and adds ask 4.
	snap := []*Ask{tAsk(2, "0xAAA", 101), tAsk(4, "0xAAA", 103)}
	s.ApplySync(tMarket, "0xaaa", snap, nil, time.Now())

	asks := s.Asks(tMarket)
	if len(asks) != 3 {
		t.Fatalf("expected 3 asks after sync, got %v", askIDs(asks))
	}
	have := make(map[uint64]bool)
	for _, ask := range asks {
		have[ask.PositionID] = true
	}
	if have[1] || !have[2] || !have[3] || !have[4] {
		t.Fatalf("wrong book after sync: %v", askIDs(asks))
	}
}

func TestSyncFiltersPoisoned(t *testing.T) {
	s := NewStore()
	s.AddFill(tMarket, &Fill{PositionID: 5, Buyer: "0xB", Seller: "0xAAA", Stamp: 1})
	// A stale peer still advertising the filled position.
	s.ApplySync(tMarket, "0xAAA", []*Ask{tAsk(5, "0xAAA", 2), tAsk(6, "0xAAA", 3)}, nil, time.Now())
	asks := s.Asks(tMarket)
	if len(asks) != 1 || asks[0].PositionID != 6 {
		t.Fatalf("poisoned ask survived sync: %v", askIDs(asks))
	}
}

func TestSyncChatMerge(t *testing.T) {
	s := NewStore()
	s.AddChat(tMarket, &ChatMessage{Text: "hello", From: "0xAAA", Stamp: 10})
	s.AddChat(tMarket, &ChatMessage{Text: "later", From: "0xBBB", Stamp: 30})
	s.ApplySync(tMarket, "0xCCC", nil, []*ChatMessage{
		{Text: "hello", From: "0xAAA", Stamp: 10}, // duplicate, dropped
		{Text: "between", From: "0xCCC", Stamp: 20},
	}, time.Now())
	chat := s.Chat(tMarket)
	if len(chat) != 3 {
		t.Fatalf("expected 3 chat messages, got %d", len(chat))
	}
	for i, want := range []int64{10, 20, 30} {
		if chat[i].Stamp != want {
			t.Fatalf("chat out of order at %d: got %d, want %d", i, chat[i].Stamp, want)
		}
	}
}

func TestChatCap(t *testing.T) {
	s := NewStore()
	for i := 0; i < MaxChat+10; i++ {
		s.AddChat(tMarket, &ChatMessage{Text: "m", From: "0xAAA", Stamp: int64(i)})
	}
	chat := s.Chat(tMarket)
	if len(chat) != MaxChat {
		t.Fatalf("expected %d chat messages, got %d", MaxChat, len(chat))
	}
	if chat[0].Stamp != 10 {
		t.Fatalf("oldest surviving message has stamp %d, want 10", chat[0].Stamp)
	}
}

func TestOnlineWindow(t *testing.T) {
	s := NewStore()
	now := time.Now()
	s.Heartbeat(tMarket, "0xAAA", now)

	online := s.Online(tMarket, now.Add(29*time.Second))
	if len(online) != 1 || online[0] != "0xaaa" {
		t.Fatalf("expected 0xaaa online at T+29s, got %v", online)
	}
	if online = s.Online(tMarket, now.Add(31*time.Second)); len(online) != 0 {
		t.Fatalf("expected nobody online at T+31s, got %v", online)
	}
	// A fresh heartbeat restores visibility.
	s.Heartbeat(tMarket, "0xAAA", now.Add(40*time.Second))
	if online = s.Online(tMarket, now.Add(41*time.Second)); len(online) != 1 {
		t.Fatalf("heartbeat did not restore liveness, got %v", online)
	}
}

func TestOwnAsks(t *testing.T) {
	s := NewStore()
	s.AddAsk(tMarket, tAsk(1, "0xAAA", 100))
	s.AddAsk(tMarket, tAsk(2, "0xBBB", 101))
	s.AddAsk(tMarket, tAsk(3, "0xAAA", 102))
	own := s.OwnAsks(tMarket, "0xaaa")
	if len(own) != 2 {
		t.Fatalf("expected 2 own asks, got %v", askIDs(own))
	}
	for _, ask := range own {
		if ask.From != "0xAAA" {
			t.Fatalf("foreign ask in own set: %+v", ask)
		}
	}
}

func TestReset(t *testing.T) {
	s := NewStore()
	s.AddAsk(tMarket, tAsk(1, "0xAAA", 100))
	s.AddFill(tMarket, &Fill{PositionID: 2, Buyer: "0xB", Seller: "0xS", Stamp: 1})
	s.Reset()
	if len(s.Asks(tMarket)) != 0 || len(s.Fills(tMarket)) != 0 {
		t.Fatal("state survived reset")
	}
	if s.IsPoisoned(2) {
		t.Fatal("poison set survived reset")
	}
}
