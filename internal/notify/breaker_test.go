package notify_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/basket/missionctl/internal/notify"
)

func TestBreakerCeilingOpensCircuit(t *testing.T) {
	mock := clock.NewMock()
	b := notify.NewBreaker(3, 2*time.Minute, mock)

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("call %d refused below ceiling", i+1)
		}
	}
	if b.Allow() {
		t.Fatal("call above ceiling allowed")
	}
	if !b.Open() {
		t.Fatal("circuit not open after ceiling hit")
	}
	if b.Opens() != 1 {
		t.Fatalf("opens = %d, want 1", b.Opens())
	}

	// Every attempt during the cooldown is refused.
	mock.Add(time.Minute)
	if b.Allow() {
		t.Fatal("allowed during cooldown")
	}

	// Past the cooldown the window has also aged out; calls flow again.
	mock.Add(90 * time.Second)
	if !b.Allow() {
		t.Fatal("refused after cooldown expired")
	}
}

func TestBreakerWindowSlides(t *testing.T) {
	mock := clock.NewMock()
	b := notify.NewBreaker(2, time.Minute, mock)

	if !b.Allow() || !b.Allow() {
		t.Fatal("calls below ceiling refused")
	}
	mock.Add(61 * time.Second)
	if !b.Allow() {
		t.Fatal("refused after window slid past old calls")
	}
	if b.Opens() != 0 {
		t.Fatalf("opens = %d, want 0", b.Opens())
	}
}
