package events

import (
	"testing"

	"nadfeud/internal/domain"
)

func TestHubDeliversToSubscribers(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Publish(domain.Event{Type: domain.EventQuestionStarted, Question: domain.Question{ID: "q1"}})

	ev := <-ch
	if ev.Type != domain.EventQuestionStarted || ev.Question.ID != "q1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestHubDropsOldestForSlowSubscriber(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	for i := 0; i < hub.buffer+3; i++ {
		hub.Publish(domain.Event{Type: domain.EventQuestionCreated, Question: domain.Question{ID: string(rune('a' + i))}})
	}
	if len(ch) != hub.buffer {
		t.Fatalf("expected full buffer of %d, got %d", hub.buffer, len(ch))
	}
	var last domain.Event
	for len(ch) > 0 {
		last = <-ch
	}
	if want := string(rune('a' + hub.buffer + 2)); last.Question.ID != want {
		t.Fatalf("expected newest event %s last, got %s", want, last.Question.ID)
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe()
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	if hub.Len() != 0 {
		t.Fatalf("expected no subscribers, got %d", hub.Len())
	}
}
