package unveil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newStubServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL), srv
}

func TestUnlockSendsOptions(t *testing.T) {
	var got unlockBody
	c, _ := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/unlock" || r.Method != http.MethodPost {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(Outcome{Success: true, HTML: "<html></html>", Reason: "ok"})
	})

	out, err := c.Unlock(context.Background(), "https://example.com/page",
		WithPriority(PriorityPremium),
		WithImpersonation(),
		WithReferer("https://news.example/"),
	)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if !out.Success {
		t.Error("success = false")
	}
	if got.URL != "https://example.com/page" {
		t.Errorf("url = %q", got.URL)
	}
	if got.Priority == nil || *got.Priority != PriorityPremium {
		t.Error("priority not sent")
	}
	if !got.UseImpersonating {
		t.Error("impersonation flag not sent")
	}
	if got.Referer != "https://news.example/" {
		t.Errorf("referer = %q", got.Referer)
	}
	if got.Unlock != nil {
		t.Error("unlock flag should be omitted by default")
	}
}

func TestUnlockSanitizeOnly(t *testing.T) {
	var got unlockBody
	c, _ := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(Outcome{Success: true, Reason: "ok"})
	})

	if _, err := c.Unlock(context.Background(), "https://example.com", WithSanitizeOnly()); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if got.Unlock == nil || *got.Unlock {
		t.Error("sanitize-only must send unlock=false")
	}
}

func TestUnlockBadRequestStillDecodes(t *testing.T) {
	c, _ := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(Outcome{Success: false, Reason: "invalid_url"})
	})

	out, err := c.Unlock(context.Background(), "ftp://nope")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if out.Success || out.Reason != "invalid_url" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestUnlockServerErrorIsError(t *testing.T) {
	c, _ := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	if _, err := c.Unlock(context.Background(), "https://example.com"); err == nil {
		t.Fatal("502 must surface as an error")
	}
}

func TestOutcomeBlocked(t *testing.T) {
	if !(&Outcome{Reason: "blocked_by_cloudflare"}).Blocked() {
		t.Error("blocked_by_* not detected")
	}
	if (&Outcome{Reason: "ok"}).Blocked() {
		t.Error("ok misread as blocked")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	c, _ := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		case "/metrics":
			w.Write([]byte("unlock_pipeline_request_count 1\n"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	if err := c.Health(context.Background()); err != nil {
		t.Errorf("health: %v", err)
	}
	text, err := c.Metrics(context.Background())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if text == "" {
		t.Error("empty metrics")
	}
}
