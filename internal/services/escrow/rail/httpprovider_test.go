package rail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestHTTPProviderCreateHold(t *testing.T) {
	var got createHoldBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/holds" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s, want POST /holds", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(createHoldReply{
			InstrumentID:   "inv-42",
			PaymentRequest: "lnhold1abc",
		})
	}))
	defer server.Close()

	p, err := NewHTTPProvider(server.URL, time.Millisecond)
	if err != nil {
		t.Fatalf("NewHTTPProvider() error = %v", err)
	}

	id, request, err := p.CreateHoldInvoice(context.Background(), "commit-1", 50_000, time.Hour)
	if err != nil {
		t.Fatalf("CreateHoldInvoice() error = %v", err)
	}
	if id != "inv-42" {
		t.Errorf("instrument id = %q, want %q", id, "inv-42")
	}
	if request != "lnhold1abc" {
		t.Errorf("payment request = %q, want %q", request, "lnhold1abc")
	}
	if got.Commitment != "commit-1" || got.Amount != 50_000 {
		t.Errorf("request body = %+v", got)
	}
	if got.ExpirySeconds != 3600 {
		t.Errorf("expiry seconds = %d, want 3600", got.ExpirySeconds)
	}
}

func TestHTTPProviderRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no route", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p, err := NewHTTPProvider(server.URL, time.Millisecond)
	if err != nil {
		t.Fatalf("NewHTTPProvider() error = %v", err)
	}
	if err := p.SettleHold(context.Background(), "preimage-1"); err == nil {
		t.Fatal("SettleHold() error = nil, want status error")
	}
}

func TestHTTPProviderRequiresURL(t *testing.T) {
	if _, err := NewHTTPProvider("  ", time.Second); err == nil {
		t.Fatal("NewHTTPProvider() error = nil, want error for empty url")
	}
}

func TestHTTPProviderSubscribeHoldsAdvancesCursor(t *testing.T) {
	var mu sync.Mutex
	cursors := []string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		cursors = append(cursors, r.URL.Query().Get("cursor"))
		first := len(cursors) == 1
		mu.Unlock()
		if first {
			json.NewEncoder(w).Encode([]holdUpdateReply{
				{Cursor: 7, Commitment: "commit-1", Amount: 50_000, Accepted: true},
			})
			return
		}
		json.NewEncoder(w).Encode([]holdUpdateReply{})
	}))
	defer server.Close()

	p, err := NewHTTPProvider(server.URL, time.Millisecond)
	if err != nil {
		t.Fatalf("NewHTTPProvider() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := p.SubscribeHolds(ctx)
	if err != nil {
		t.Fatalf("SubscribeHolds() error = %v", err)
	}

	select {
	case u := <-updates:
		if u.Commitment != "commit-1" || !u.Accepted {
			t.Errorf("update = %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update received")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(cursors)
		var last string
		if n > 0 {
			last = cursors[n-1]
		}
		mu.Unlock()
		if n >= 2 && last == "7" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cursor never advanced, polled cursors = %v", cursors)
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	for range updates {
	}
}
