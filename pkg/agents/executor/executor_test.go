package executoragent

import (
	"testing"
	"time"
)

func TestParseSecurityMode(t *testing.T) {
	cases := map[string]SecurityMode{
		"":                   ModeReadOnly,
		"readOnly":           ModeReadOnly,
		"read-only":          ModeReadOnly,
		"EXTENDED_READ_ONLY": ModeExtendedReadOnly,
		" fullAccess ":       ModeFullAccess,
		"full-access":        ModeFullAccess,
	}
	for input, want := range cases {
		got, err := ParseSecurityMode(input)
		if err != nil {
			t.Fatalf("ParseSecurityMode(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseSecurityMode(%q) = %q, want %q", input, got, want)
		}
	}

	if _, err := ParseSecurityMode("admin"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestCommandDeadline(t *testing.T) {
	submitted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cmd := Command{SubmittedAt: submitted, TimeoutMs: 1500}

	if cmd.Timeout() != 1500*time.Millisecond {
		t.Fatalf("Timeout = %s", cmd.Timeout())
	}
	if want := submitted.Add(1500 * time.Millisecond); !cmd.Deadline().Equal(want) {
		t.Fatalf("Deadline = %s, want %s", cmd.Deadline(), want)
	}
}

func TestCapabilitiesExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if (Capabilities{}).Expired(now) {
		t.Fatal("report without expiry must never be stale")
	}
	caps := Capabilities{ExpiresAt: now.Add(time.Minute)}
	if caps.Expired(now) {
		t.Fatal("report should still be fresh")
	}
	if !caps.Expired(now.Add(2 * time.Minute)) {
		t.Fatal("report should be stale after its expiry")
	}
}
