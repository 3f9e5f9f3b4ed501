package overlay

import (
	"fmt"
	"testing"
	"time"
)

func TestHub_UpdateAndHistory(t *testing.T) {
	at := time.Date(2026, 10, 14, 20, 0, 0, 0, time.UTC)
	h := NewHub(WithClock(func() time.Time { return at }))

	if cur := h.Current(); cur.ID != 0 || cur.Text != "" {
		t.Fatalf("initial = %+v", cur)
	}
	h.Update("hello", "こんにちは")
	h.Update("", "")
	cur := h.Update("hello", "こんにちは")
	if cur.ID != 3 || cur.Text != "こんにちは" {
		t.Errorf("current = %+v", cur)
	}

	hist := h.History()
	if len(hist) != 2 {
		t.Fatalf("history = %d entries, want 2 (empty lines skipped)", len(hist))
	}
	if hist[0].Seq != 1 || hist[1].Seq != 3 || hist[0].Original != "hello" || !hist[0].Time.Equal(at) {
		t.Errorf("history = %+v", hist)
	}
	if hist[0].ID == "" || hist[0].ID == hist[1].ID {
		t.Error("entries need distinct ids")
	}
}

func TestHub_HistoryCap(t *testing.T) {
	h := NewHub()
	for i := 0; i < DefaultHistorySize+7; i++ {
		h.Update("", fmt.Sprintf("line %d", i))
	}
	hist := h.History()
	if len(hist) != DefaultHistorySize {
		t.Fatalf("len = %d", len(hist))
	}
	if hist[0].Text != "line 7" || hist[len(hist)-1].Text != fmt.Sprintf("line %d", DefaultHistorySize+6) {
		t.Errorf("oldest = %q newest = %q", hist[0].Text, hist[len(hist)-1].Text)
	}

	small := NewHub(WithHistorySize(2))
	small.Update("", "a")
	small.Update("", "b")
	small.Update("", "c")
	if got := small.History(); len(got) != 2 || got[0].Text != "b" {
		t.Errorf("history = %+v", got)
	}
}

func TestHub_Subscribe(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	if h.Subscribers() != 1 {
		t.Fatal("subscriber not registered")
	}
	h.Update("", "one")
	select {
	case cur := <-ch:
		if cur.Text != "one" || cur.ID != 1 {
			t.Errorf("got %+v", cur)
		}
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}

	// A subscriber that never reads must not block publishers.
	for i := 0; i < 100; i++ {
		h.Update("", "flood")
	}

	cancel()
	cancel()
	if h.Subscribers() != 0 {
		t.Error("subscriber not removed")
	}
	for range ch {
	}
}
