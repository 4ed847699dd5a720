package eventlog

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/eltris/escrowd/internal/services/escrow/domain"
)

func testSigner(t *testing.T) *Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := NewSigner(priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return signer
}

func TestSignAndVerify(t *testing.T) {
	signer := testSigner(t)
	evt := domain.Event{
		TaskID:      "task-1",
		Seq:         3,
		Type:        domain.EventPaymentAccepted,
		FundingID:   "fund-1",
		Commitment:  "commit-1",
		PayloadJSON: `{"amount":"50000"}`,
		CreatedAt:   time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC),
	}

	record, err := signer.Sign(evt)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if record.Kind != KindFunding {
		t.Errorf("record.Kind = %d, want %d", record.Kind, KindFunding)
	}
	if record.TaskID() != "task-1" {
		t.Errorf("record.TaskID() = %q, want task-1", record.TaskID())
	}
	if err := Verify(record); err != nil {
		t.Fatalf("verify: %v", err)
	}

	eventType, seq, payload, err := record.DecodeContent()
	if err != nil {
		t.Fatalf("decode content: %v", err)
	}
	if eventType != string(domain.EventPaymentAccepted) || seq != 3 {
		t.Errorf("decoded type/seq = %q/%d", eventType, seq)
	}
	if payload != `{"amount":"50000"}` {
		t.Errorf("decoded payload = %q", payload)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	signer := testSigner(t)
	record, err := signer.Sign(domain.Event{
		TaskID:    "task-1",
		Seq:       1,
		Type:      domain.EventTaskCreated,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tamperedContent := record
	tamperedContent.Content = `{"type":"task.created","seq":9,"payload":{}}`
	if err := Verify(tamperedContent); err == nil {
		t.Fatal("verify passed on tampered content")
	}

	tamperedSig := record
	tamperedSig.Sig = tamperedSig.Sig[:len(tamperedSig.Sig)-2] + "00"
	if err := Verify(tamperedSig); err == nil {
		t.Fatal("verify passed on tampered signature")
	}

	other := testSigner(t)
	forged := record
	forged.PubKey = other.PublicKey()
	forged.ID, err = canonicalID(forged)
	if err != nil {
		t.Fatalf("recompute id: %v", err)
	}
	if err := Verify(forged); err == nil {
		t.Fatal("verify passed on swapped public key")
	}
}

func TestKindMapping(t *testing.T) {
	cases := []struct {
		eventType domain.EventType
		want      int
	}{
		{domain.EventTaskCreated, KindTask},
		{domain.EventPaymentAccepted, KindFunding},
		{domain.EventProofVerified, KindProof},
		{domain.EventSettlementCompleted, KindSettlement},
		{domain.EventDisputeResolved, KindDispute},
		{domain.EventStateCorrected, KindCorrection},
	}
	for _, tc := range cases {
		if got := kindFor(tc.eventType); got != tc.want {
			t.Errorf("kindFor(%s) = %d, want %d", tc.eventType, got, tc.want)
		}
	}
}

func TestHTTPRelayPublishRetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	relay, err := NewHTTPRelay(server.URL)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	signer := testSigner(t)
	record, err := signer.Sign(domain.Event{TaskID: "task-1", Seq: 1, Type: domain.EventTaskCreated, CreatedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := relay.Publish(context.Background(), record); err != nil {
		t.Fatalf("publish: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestHTTPRelayPublishTreatsConflictAsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	relay, err := NewHTTPRelay(server.URL)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	signer := testSigner(t)
	record, err := signer.Sign(domain.Event{TaskID: "task-1", Seq: 1, Type: domain.EventTaskCreated, CreatedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := relay.Publish(context.Background(), record); err != nil {
		t.Fatalf("publish duplicate: %v", err)
	}
}

func TestHTTPRelayFetchDropsInvalidRecords(t *testing.T) {
	signer := testSigner(t)
	good, err := signer.Sign(domain.Event{TaskID: "task-1", Seq: 1, Type: domain.EventTaskCreated, CreatedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	bad := good
	bad.Content = `{"type":"task.created","seq":99,"payload":{}}`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("task") != "task-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode([]Record{good, bad})
	}))
	defer server.Close()

	relay, err := NewHTTPRelay(server.URL)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	records, err := relay.FetchTaskRecords(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(records) != 1 || records[0].ID != good.ID {
		t.Fatalf("records = %+v, want only the valid record", records)
	}
}

type fakeJournal struct {
	events    []domain.Event
	published map[string]string
}

func (f *fakeJournal) ListUnpublishedEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	var pending []domain.Event
	for _, evt := range f.events {
		key := evt.TaskID + "/" + string(rune('0'+evt.Seq))
		if _, ok := f.published[key]; !ok {
			pending = append(pending, evt)
		}
		if len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (f *fakeJournal) MarkEventPublished(ctx context.Context, taskID string, seq uint64, externalEventID string) error {
	if f.published == nil {
		f.published = map[string]string{}
	}
	f.published[taskID+"/"+string(rune('0'+seq))] = externalEventID
	return nil
}

type fakeRelay struct {
	records  []Record
	failures int
}

func (f *fakeRelay) Publish(ctx context.Context, record Record) error {
	if f.failures > 0 {
		f.failures--
		return context.DeadlineExceeded
	}
	f.records = append(f.records, record)
	return nil
}

func (f *fakeRelay) FetchTaskRecords(ctx context.Context, taskID string) ([]Record, error) {
	var out []Record
	for _, record := range f.records {
		if record.TaskID() == taskID {
			out = append(out, record)
		}
	}
	return out, nil
}

func TestPublisherDrainMarksPublished(t *testing.T) {
	signer := testSigner(t)
	j := &fakeJournal{events: []domain.Event{
		{TaskID: "task-1", Seq: 1, Type: domain.EventTaskCreated, CreatedAt: time.Now().UTC()},
		{TaskID: "task-1", Seq: 2, Type: domain.EventInstrumentCreated, CreatedAt: time.Now().UTC()},
	}}
	relay := &fakeRelay{}
	publisher := NewPublisher(j, signer, relay, time.Second)

	if err := publisher.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(relay.records) != 2 {
		t.Fatalf("len(relay.records) = %d, want 2", len(relay.records))
	}
	if len(j.published) != 2 {
		t.Fatalf("len(published) = %d, want 2", len(j.published))
	}
}

func TestPublisherDrainStopsOnFailureAndResumes(t *testing.T) {
	signer := testSigner(t)
	j := &fakeJournal{events: []domain.Event{
		{TaskID: "task-1", Seq: 1, Type: domain.EventTaskCreated, CreatedAt: time.Now().UTC()},
		{TaskID: "task-1", Seq: 2, Type: domain.EventInstrumentCreated, CreatedAt: time.Now().UTC()},
	}}
	relay := &fakeRelay{failures: 1}
	publisher := NewPublisher(j, signer, relay, time.Second)

	if err := publisher.DrainOnce(context.Background()); err == nil {
		t.Fatal("drain succeeded despite relay failure")
	}
	if len(j.published) != 0 {
		t.Fatalf("len(published) = %d after failed drain, want 0", len(j.published))
	}

	if err := publisher.DrainOnce(context.Background()); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if len(j.published) != 2 {
		t.Fatalf("len(published) = %d, want 2", len(j.published))
	}
}
