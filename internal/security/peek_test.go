package security

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPeekBodyLeavesBodyReadable(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/transfer", strings.NewReader("csrf-token=abc&amount=10"))

	peeked, err := PeekBody(req, 10)
	if err != nil {
		t.Fatalf("unexpected peek error: %v", err)
	}
	if string(peeked) != "csrf-token" {
		t.Fatalf("unexpected peek %q", peeked)
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if string(data) != "csrf-token=abc&amount=10" {
		t.Fatalf("expected full body after peek, got %q", data)
	}
	if err := req.Body.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
}

func TestPeekBodyShorterThanWindow(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/transfer", strings.NewReader("a=1"))
	peeked, err := PeekBody(req, 1024)
	if err != nil {
		t.Fatalf("unexpected peek error: %v", err)
	}
	if string(peeked) != "a=1" {
		t.Fatalf("unexpected peek %q", peeked)
	}
	data, _ := io.ReadAll(req.Body)
	if string(data) != "a=1" {
		t.Fatalf("expected body to pass through, got %q", data)
	}
}

func TestPeekBodyWithoutBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	peeked, err := PeekBody(req, 16)
	if err != nil || len(peeked) != 0 {
		t.Fatalf("expected empty peek, got %q, %v", peeked, err)
	}
	if data, _ := io.ReadAll(req.Body); len(data) != 0 {
		t.Fatalf("expected empty body, got %q", data)
	}
}
