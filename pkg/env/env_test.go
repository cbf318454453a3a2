package env

import "testing"

func TestGetTrimsAndFallsBack(t *testing.T) {
	t.Setenv("PAYCORE_TEST_VALUE", "  json ")
	if got := Get("PAYCORE_TEST_VALUE", "console"); got != "json" {
		t.Fatalf("expected trimmed value got %q", got)
	}
	t.Setenv("PAYCORE_TEST_VALUE", "   ")
	if got := Get("PAYCORE_TEST_VALUE", "console"); got != "console" {
		t.Fatalf("expected fallback for blank value got %q", got)
	}
}

func TestFirstPicksEarliestSetKey(t *testing.T) {
	t.Setenv("PAYCORE_TEST_A", "")
	t.Setenv("PAYCORE_TEST_B", "web.1")
	t.Setenv("PAYCORE_TEST_C", "pod-7")
	if got := First("local", "PAYCORE_TEST_A", "PAYCORE_TEST_B", "PAYCORE_TEST_C"); got != "web.1" {
		t.Fatalf("expected web.1 got %q", got)
	}
	if got := First("local", "PAYCORE_TEST_A"); got != "local" {
		t.Fatalf("expected fallback got %q", got)
	}
}
