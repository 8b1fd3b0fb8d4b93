package statusapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eryjus/pi-bootloader/internal/bootserver"
	"github.com/eryjus/pi-bootloader/internal/statusapi"
)

type fakeState struct {
	state bootserver.State
}

func (f *fakeState) CurrentState() bootserver.State { return f.state }

type fakeHistory struct {
	outcomes []bootserver.TransferOutcome
	err      error
}

func (f *fakeHistory) Recent(ctx context.Context, n int) ([]bootserver.TransferOutcome, error) {
	if f.err != nil {
		return nil, f.err
	}
	if n > len(f.outcomes) {
		n = len(f.outcomes)
	}
	return f.outcomes[:n], nil
}

type fakeAudit struct {
	entries []statusapi.AuditEntryView
}

func (f *fakeAudit) Entries() ([]statusapi.AuditEntryView, error) {
	return f.entries, nil
}

type fakeReinitiator struct {
	requested bool
}

func (f *fakeReinitiator) RequestReinit() { f.requested = true }

func TestHandleHealthz(t *testing.T) {
	srv := statusapi.NewServer(nil, nil, nil, nil, nil)
	router := statusapi.NewRouter(srv, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleStatusReturnsCurrentState(t *testing.T) {
	state := &fakeState{state: bootserver.StateTty}
	srv := statusapi.NewServer(state, nil, nil, nil, nil)
	router := statusapi.NewRouter(srv, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["state"] != bootserver.StateTty.String() {
		t.Errorf("state = %q, want %q", body["state"], bootserver.StateTty.String())
	}
}

func TestHandleHistoryDefaultLimit(t *testing.T) {
	outcomes := make([]bootserver.TransferOutcome, 0, 60)
	for i := 0; i < 60; i++ {
		outcomes = append(outcomes, bootserver.TransferOutcome{KernelPath: "k", Success: true})
	}
	srv := statusapi.NewServer(nil, &fakeHistory{outcomes: outcomes}, nil, nil, nil)
	router := statusapi.NewRouter(srv, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/history", nil))

	var got []bootserver.TransferOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 50 {
		t.Errorf("len(got) = %d, want 50 (default limit)", len(got))
	}
}

func TestHandleHistoryRejectsBadLimit(t *testing.T) {
	srv := statusapi.NewServer(nil, &fakeHistory{}, nil, nil, nil)
	router := statusapi.NewRouter(srv, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/history?limit=-1", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleHistoryUnconfiguredReturns503(t *testing.T) {
	srv := statusapi.NewServer(nil, nil, nil, nil, nil)
	router := statusapi.NewRouter(srv, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/history", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHandleAudit(t *testing.T) {
	entries := []statusapi.AuditEntryView{
		{Seq: 1, Timestamp: time.Now(), EventHash: "abc"},
	}
	srv := statusapi.NewServer(nil, nil, &fakeAudit{entries: entries}, nil, nil)
	router := statusapi.NewRouter(srv, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit", nil))

	var got []statusapi.AuditEntryView
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].EventHash != "abc" {
		t.Errorf("got = %+v", got)
	}
}

func TestHandleReinitCallsRequestReinit(t *testing.T) {
	reinit := &fakeReinitiator{}
	srv := statusapi.NewServer(nil, nil, nil, reinit, nil)
	router := statusapi.NewRouter(srv, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/reinit", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if !reinit.requested {
		t.Error("RequestReinit was not called")
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	pubKey, _, _ := testRSAKeypair(t)
	srv := statusapi.NewServer(&fakeState{}, nil, nil, nil, nil)
	router := statusapi.NewRouter(srv, pubKey)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
