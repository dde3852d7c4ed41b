package livebus

import (
	"testing"
	"time"
)

func TestSubscribe_ReceivesPublishedRune(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe()
	defer sub.Close()

	b.PublishRune(map[string]interface{}{"tool_name": "list_files"})

	select {
	case evt := <-sub.C():
		if evt.Type != MessageRune {
			t.Fatalf("expected rune event, got %q", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublish_PerSubscriberOrderIsPreserved(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe()
	defer sub.Close()

	b.PublishRune("first")
	b.PublishDrift("second")
	b.PublishRune("third")

	want := []MessageType{MessageRune, MessageDrift, MessageRune}
	for i, w := range want {
		select {
		case evt := <-sub.C():
			if evt.Type != w {
				t.Fatalf("event %d: expected %q, got %q", i, w, evt.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestPublish_DoesNotReachClosedSubscriber(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe()
	sub.Close()

	b.PublishRune("x")

	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed subscriber's channel to be drained and closed")
	}
}

func TestPublish_FullQueueDisconnectsSubscriber(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe()

	for i := 0; i < subscriberBufferSize+10; i++ {
		b.PublishRune(i)
	}

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected the overwhelmed subscriber to be disconnected, count=%d", b.SubscriberCount())
	}
	_ = sub
}

func TestSubscriberCount_TracksActiveSubscriptions(t *testing.T) {
	b := New(nil)
	if b.SubscriberCount() != 0 {
		t.Fatal("expected zero subscribers on a fresh bus")
	}
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	if b.SubscriberCount() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.SubscriberCount())
	}
	s1.Close()
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber after close, got %d", b.SubscriberCount())
	}
	s2.Close()
}

func TestClose_DisconnectsAllSubscribers(t *testing.T) {
	b := New(nil)
	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Close()

	if _, ok := <-s1.C(); ok {
		t.Fatal("expected subscriber 1 channel closed")
	}
	if _, ok := <-s2.C(); ok {
		t.Fatal("expected subscriber 2 channel closed")
	}
}
