package channel

import (
	"testing"

	"feedflow/models"
)

func TestPublishFansOut(t *testing.T) {
	u := NewUpdates(2)
	a, cancelA := u.Subscribe()
	b, cancelB := u.Subscribe()
	defer cancelB()

	u.Publish(models.Update{Kind: models.UpdateTicker, Symbol: "BTCUSD"})
	for _, ch := range []<-chan models.Update{a, b} {
		evt := <-ch
		if evt.Kind != models.UpdateTicker || evt.Symbol != "BTCUSD" {
			t.Fatalf("unexpected event %+v", evt)
		}
	}

	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Fatalf("cancelled channel still open")
	}
	if u.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", u.Subscribers())
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	u := NewUpdates(1)
	_, cancel := u.Subscribe()
	defer cancel()

	u.Publish(models.Update{Kind: models.UpdateBook})
	u.Publish(models.Update{Kind: models.UpdateBook})
	stats := u.GetStats()
	if stats.Sent != 1 || stats.Dropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	u := NewUpdates(1)
	ch, cancel := u.Subscribe()
	u.Close()
	u.Close()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	late, _ := u.Subscribe()
	if _, ok := <-late; ok {
		t.Fatalf("subscribe after close should return a closed channel")
	}
	u.Publish(models.Update{})
}
