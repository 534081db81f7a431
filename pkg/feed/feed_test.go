package feed

import (
	"context"
	"testing"
	"time"

	"linkshare/pkg/domain"
)

func strPtr(s string) *string { return &s }

func TestFilterMatchTableAndType(t *testing.T) {
	ev := MessageEvent(EventInsert, &domain.Message{ID: "m1", ChannelID: "c1"}, nil)

	if !(Filter{}).Match(ev) {
		t.Fatalf("empty filter should match everything")
	}
	if !(Filter{Table: TableConversations}).Match(ev) {
		t.Fatalf("table filter should match")
	}
	if (Filter{Table: TableReactions}).Match(ev) {
		t.Fatalf("wrong table should not match")
	}
	if (Filter{Types: []EventType{EventDelete}}).Match(ev) {
		t.Fatalf("wrong type should not match")
	}
}

func TestFilterMatchKeys(t *testing.T) {
	msg := MessageEvent(EventInsert, &domain.Message{ID: "m1", ChannelID: "c1", SharedLinkID: strPtr("l1")}, nil)
	if !(Filter{ChannelID: "c1"}).Match(msg) {
		t.Fatalf("channel key should match")
	}
	if (Filter{ChannelID: "c2"}).Match(msg) {
		t.Fatalf("other channel should not match")
	}
	if !(Filter{LinkID: "l1"}).Match(msg) {
		t.Fatalf("link key should match thread message")
	}

	del := ReactionEvent(EventDelete, nil, &domain.Reaction{ID: "r1", SharedLinkID: "l1"})
	if !(Filter{Table: TableReactions, LinkID: "l1"}).Match(del) {
		t.Fatalf("delete events should key-match on Old")
	}
	if (Filter{Table: TableReactions, LinkID: "l2"}).Match(del) {
		t.Fatalf("reaction for another link should not match")
	}
}

func TestMemoryFeedDeliversToMatchingSubscribers(t *testing.T) {
	ctx := context.Background()
	f := NewMemoryFeed()

	all, err := f.Subscribe(ctx, Filter{})
	if err != nil {
		t.Fatalf("subscribe all: %v", err)
	}
	defer all.Close()
	scoped, err := f.Subscribe(ctx, Filter{Table: TableReactions, LinkID: "l1"})
	if err != nil {
		t.Fatalf("subscribe scoped: %v", err)
	}
	defer scoped.Close()

	if err := f.Publish(ctx, ReactionEvent(EventInsert, &domain.Reaction{ID: "r1", SharedLinkID: "l1"}, nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := f.Publish(ctx, ReactionEvent(EventInsert, &domain.Reaction{ID: "r2", SharedLinkID: "l2"}, nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := recvEvent(t, all)
	if got.ID() != "r1" {
		t.Fatalf("all subscriber: expected r1 first, got %s", got.ID())
	}
	got = recvEvent(t, all)
	if got.ID() != "r2" {
		t.Fatalf("all subscriber: expected r2, got %s", got.ID())
	}

	got = recvEvent(t, scoped)
	if got.ID() != "r1" {
		t.Fatalf("scoped subscriber: expected only r1, got %s", got.ID())
	}
	select {
	case ev := <-scoped.Events():
		t.Fatalf("scoped subscriber received out-of-scope event %s", ev.ID())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryFeedCloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	f := NewMemoryFeed()
	sub, err := f.Subscribe(ctx, Filter{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Publishing after close must not panic and must not deliver.
	if err := f.Publish(ctx, ChannelEvent(EventInsert, &domain.Channel{ID: "c1", Name: "general"}, nil)); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("expected closed event channel")
	}
}

func recvEvent(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}
