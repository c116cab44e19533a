package logtail

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func count(l *Limiter, n int) (delivered, warned, dropped int) {
	for i := 0; i < n; i++ {
		switch l.Admit() {
		case Deliver:
			delivered++
		case Warn:
			warned++
		case Drop:
			dropped++
		}
	}
	return
}

func TestLimiterBurstInOneWindow(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	l := NewLimiter(100, time.Second, clk.now)

	delivered, warned, dropped := count(l, 500)
	if delivered != 100 || warned != 1 || dropped != 399 {
		t.Fatalf("got delivered=%d warned=%d dropped=%d, want 100/1/399", delivered, warned, dropped)
	}
}

func TestLimiterWindowResets(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	l := NewLimiter(100, time.Second, clk.now)

	count(l, 150)
	clk.advance(999 * time.Millisecond)
	if d, w, _ := count(l, 10); d != 0 || w != 0 {
		t.Fatalf("window reset early: delivered=%d warned=%d", d, w)
	}

	clk.advance(time.Millisecond)
	delivered, warned, dropped := count(l, 150)
	if delivered != 100 || warned != 1 || dropped != 49 {
		t.Fatalf("second window: got %d/%d/%d, want 100/1/49", delivered, warned, dropped)
	}
}

func TestLimiterWindowStartsAtFirstUse(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	l := NewLimiter(2, time.Second, clk.now)

	clk.advance(10 * time.Second)
	l.Admit()
	clk.advance(500 * time.Millisecond)
	if v := l.Admit(); v != Deliver {
		t.Fatalf("second line = %v, want Deliver", v)
	}
	if v := l.Admit(); v != Warn {
		t.Fatalf("third line = %v, want Warn", v)
	}
}

func TestLimiterQuietWindowHasNoWarning(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	l := NewLimiter(100, time.Second, clk.now)
	for i := 0; i < 5; i++ {
		if _, w, _ := count(l, 100); w != 0 {
			t.Fatalf("window %d warned at exactly the limit", i)
		}
		clk.advance(time.Second)
	}
}
