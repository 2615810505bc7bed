package types

import (
	"errors"
	"testing"
)

func TestNewFetchRequestDefaults(t *testing.T) {
	req, err := NewFetchRequest("https://example.com/page")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !req.Unlock {
		t.Error("unlock must default to true")
	}
	if req.Priority != PriorityGuest {
		t.Errorf("priority = %d, want guest", req.Priority)
	}
	if req.Hostname() != "example.com" {
		t.Errorf("hostname = %q", req.Hostname())
	}
}

func TestNewFetchRequestUnparseable(t *testing.T) {
	_, err := NewFetchRequest("http://bad url\x7f")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrInvalidURL) {
		t.Errorf("err = %v, want ErrInvalidURL", err)
	}
}
