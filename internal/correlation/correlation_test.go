package correlation

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	valid := "abc-123"
	if got, ok := Normalize(valid); !ok || got != valid {
		t.Fatalf("expected %q to normalize, got %q ok=%v", valid, got, ok)
	}
	if got, ok := Normalize("  xyz  "); !ok || got != "xyz" {
		t.Fatalf("expected trimmed normalize to xyz, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01suffix"); ok {
		t.Fatal("non-printable should be invalid")
	}
}

func TestWithAndID(t *testing.T) {
	ctx := context.Background()
	if Has(ctx) {
		t.Fatalf("expected empty context to have no correlation id")
	}
	if ctx = With(ctx, " "); Has(ctx) {
		t.Fatalf("expected invalid id to be ignored")
	}
	ctx = With(ctx, "foo")
	if got := ID(ctx); got != "foo" {
		t.Fatalf("expected foo, got %q", got)
	}
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(Header, "req-7")
	if got := FromRequest(req); got != "req-7" {
		t.Fatalf("expected header id, got %q", got)
	}
	req.Header.Set(Header, "bad\x02")
	generated := FromRequest(req)
	if generated == "" || generated == "bad\x02" {
		t.Fatalf("expected generated id, got %q", generated)
	}
	if other := Generate(); other == generated {
		t.Fatalf("generated ids must be unique")
	}
}
