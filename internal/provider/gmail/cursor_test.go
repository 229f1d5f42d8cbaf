package gmail

import (
	"errors"
	"testing"

	"github.com/jarrod-lowe/jmap-service-sync/internal/provider"
)

func TestCursor_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		c    cursor
		want string
	}{
		{"backfill", cursor{phase: phaseBackfill, historyID: 1000, pageToken: "p2"}, "backfill:1000:p2"},
		{"history watermark", cursor{phase: phaseHistory, historyID: 1005}, "history:1005"},
		{"history page", cursor{phase: phaseHistory, historyID: 1005, pageToken: "h2"}, "history:1005:h2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
			parsed, err := parseCursor(tt.want)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if parsed != tt.c {
				t.Errorf("parseCursor(%q) = %+v, want %+v", tt.want, parsed, tt.c)
			}
		})
	}
}

func TestParseCursor_Invalid(t *testing.T) {
	for _, s := range []string{"garbage", "delta:12", "history:abc", "history"} {
		if _, err := parseCursor(s); !errors.Is(err, provider.ErrInvalidCursor) {
			t.Errorf("parseCursor(%q) err = %v, want ErrInvalidCursor", s, err)
		}
	}
}
