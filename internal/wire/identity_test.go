package wire

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestDeviceIDDeterministic(t *testing.T) {
	first := DeviceID("2217777")
	second := DeviceID("2217777")
	if first != second {
		t.Fatalf("device id not deterministic: %q vs %q", first, second)
	}
	other := DeviceID("990011")
	if other == first {
		t.Fatalf("distinct owners mapped to the same device id")
	}
	if !strings.HasSuffix(first, "-2217777") {
		t.Fatalf("device id missing owner suffix: %q", first)
	}
	shaped := strings.TrimSuffix(first, "-2217777")
	parts := strings.Split(shaped, "-")
	if len(parts) != 5 || len(parts[0]) != 8 || len(parts[1]) != 4 || len(parts[2]) != 4 || len(parts[3]) != 4 || len(parts[4]) != 12 {
		t.Fatalf("device id not uuid-shaped: %q", shaped)
	}
	if parts[2][0] != '4' {
		t.Fatalf("device id missing version nibble: %q", shaped)
	}
}

func TestSignStableAndKeyed(t *testing.T) {
	sig := Sign("1700000000000", "tok", `{"appKey":"x"}`)
	if len(sig) != 32 {
		t.Fatalf("expected 32 hex chars, got %d (%q)", len(sig), sig)
	}
	if sig != Sign("1700000000000", "tok", `{"appKey":"x"}`) {
		t.Fatalf("signature not stable for identical inputs")
	}
	if sig == Sign("1700000000000", "other", `{"appKey":"x"}`) {
		t.Fatalf("signature ignores token")
	}
	if sig == Sign("1700000000001", "tok", `{"appKey":"x"}`) {
		t.Fatalf("signature ignores timestamp")
	}
}

func TestGenerateMIDShape(t *testing.T) {
	before := time.Now().UnixMilli()
	mid := GenerateMID()
	after := time.Now().UnixMilli()

	if !strings.HasSuffix(mid, " 0") {
		t.Fatalf("mid missing trailing discriminator: %q", mid)
	}
	digits := strings.TrimSuffix(mid, " 0")
	// Millisecond timestamp first, then exactly three zero-padded random
	// digits, so the total digit count is fixed for a given epoch width.
	if len(digits) != len(strconv.FormatInt(before, 10))+3 {
		t.Fatalf("mid digits have unexpected width: %q", mid)
	}
	millis, err := strconv.ParseInt(digits[:len(digits)-3], 10, 64)
	if err != nil {
		t.Fatalf("mid timestamp not numeric: %q", mid)
	}
	if millis < before || millis > after {
		t.Fatalf("mid timestamp %d outside [%d, %d]", millis, before, after)
	}
	if _, err := strconv.Atoi(digits[len(digits)-3:]); err != nil {
		t.Fatalf("mid random suffix not numeric: %q", mid)
	}
}

func TestGenerateUUIDShape(t *testing.T) {
	id := GenerateUUID()
	if !strings.HasPrefix(id, "-") || !strings.HasSuffix(id, "1") {
		t.Fatalf("unexpected uuid shape: %q", id)
	}
}
