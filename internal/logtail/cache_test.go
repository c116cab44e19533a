package logtail

import "testing"

func TestCacheDrainStopsAppends(t *testing.T) {
	c := NewCache()
	c.Append("a")
	c.Append("b")
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}

	got := c.Drain()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Drain = %v", got)
	}
	if !c.Drained() || c.Len() != 0 {
		t.Fatal("cache not empty after drain")
	}
	if c.Append("c") {
		t.Fatal("Append after drain should report false")
	}
	if len(c.Drain()) != 0 {
		t.Fatal("cache repopulated after drain")
	}
}

func TestIsStartupComplete(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{`[12:00:01] [Server thread/INFO]: Done (3.021s)! For help, type "help"`, true},
		{`[12:00:01] [Server thread/INFO]: Done (12.5s)! For help, type "help" or "?"`, true},
		{`[Server] Server Started!`, true},
		{`[Server thread/INFO]: Done preparing level`, false},
		{`[Server thread/INFO]: Preparing spawn area: 83%`, false},
		{``, false},
	}
	for _, tt := range tests {
		if got := IsStartupComplete(tt.line); got != tt.want {
			t.Errorf("IsStartupComplete(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}
