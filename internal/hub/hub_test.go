package hub

import (
	"fmt"
	"sync"
	"testing"
)

func TestPublishAndSubscribe(t *testing.T) {
	h := New(10)
	ch, unsub := h.Subscribe()
	defer unsub()

	h.Publish([]byte("hello"))
	h.Publish([]byte("world"))

	for _, want := range []string{"hello", "world"} {
		if got := string(<-ch); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func TestSubscribeReplaysRecent(t *testing.T) {
	h := New(10)
	h.Publish([]byte("one"))
	h.Publish([]byte("two"))

	ch, unsub := h.Subscribe()
	defer unsub()
	for _, want := range []string{"one", "two"} {
		if got := string(<-ch); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := New(10)
	ch, unsub := h.Subscribe()
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	if n := h.Subscribers(); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
	h.Publish([]byte("after")) // must not panic on the closed channel
}

func TestCloseEndsSubscriptions(t *testing.T) {
	h := New(10)
	ch, unsub := h.Subscribe()
	defer unsub()

	h.Publish([]byte("before"))
	h.Close()
	h.Publish([]byte("ignored"))

	<-ch
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after Close")
	}

	late, _ := h.Subscribe()
	var got []string
	for event := range late {
		got = append(got, string(event))
	}
	if len(got) != 1 || got[0] != "before" {
		t.Fatalf("late subscriber replay = %v", got)
	}
}

func TestRecentKeepsNewestInOrder(t *testing.T) {
	h := New(5)
	for i := 0; i < 12; i++ {
		h.Publish([]byte(fmt.Sprintf("e%d", i)))
	}

	all := h.Recent(0)
	if len(all) != 5 {
		t.Fatalf("expected 5 kept events, got %d", len(all))
	}
	for i, event := range all {
		if want := fmt.Sprintf("e%d", 7+i); string(event) != want {
			t.Errorf("event %d = %q, want %q", i, event, want)
		}
	}

	last := h.Recent(2)
	if len(last) != 2 || string(last[0]) != "e10" || string(last[1]) != "e11" {
		t.Errorf("Recent(2) = %q", last)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := New(1)
	_, unsub := h.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish([]byte("x"))
		}
		close(done)
	}()
	<-done
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	h := New(100)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch, unsub := h.Subscribe()
			select {
			case <-ch:
			default:
			}
			unsub()
		}()
		go func(i int) {
			defer wg.Done()
			h.Publish([]byte(fmt.Sprintf("%d", i)))
		}(i)
	}
	wg.Wait()
}
