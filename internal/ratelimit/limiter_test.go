package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestWindowKey(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		a, b time.Time
		same bool
	}{
		{"same minute", base.Add(5 * time.Second), base.Add(55 * time.Second), true},
		{"next minute", base.Add(59 * time.Second), base.Add(61 * time.Second), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka := windowKey("downloads", "10.0.0.1", tt.a, time.Minute)
			kb := windowKey("downloads", "10.0.0.1", tt.b, time.Minute)
			if (ka == kb) != tt.same {
				t.Errorf("keys %q and %q: expected same=%v", ka, kb, tt.same)
			}
		})
	}

	t.Run("subjects are isolated", func(t *testing.T) {
		if windowKey("downloads", "10.0.0.1", base, time.Minute) == windowKey("downloads", "10.0.0.2", base, time.Minute) {
			t.Error("expected distinct keys per subject")
		}
	})

	t.Run("format", func(t *testing.T) {
		got := windowKey("downloads", "10.0.0.1", base.Add(30*time.Second), time.Minute)
		want := "ratelimit:downloads:10.0.0.1:1709294400"
		if got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	})
}

func TestLimiter_DisabledAllowsWithoutRedis(t *testing.T) {
	l := NewLimiter(nil, "downloads", 0, time.Minute)

	ok, err := l.Allow(context.Background(), "10.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected a disabled limiter to allow")
	}
}
