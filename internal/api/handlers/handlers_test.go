package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dvloznov/box-ledger/internal/confirm"
	"github.com/dvloznov/box-ledger/internal/connectivity"
	"github.com/dvloznov/box-ledger/internal/domain"
	"github.com/dvloznov/box-ledger/internal/ledger"
	"github.com/dvloznov/box-ledger/internal/mirror"
	"github.com/dvloznov/box-ledger/internal/money"
	"github.com/dvloznov/box-ledger/internal/notify"
	"github.com/dvloznov/box-ledger/internal/reconcile"
	"github.com/dvloznov/box-ledger/internal/service"
	"github.com/dvloznov/box-ledger/internal/store/inmemory"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// memBackend implements mirror.Backend for testing
type memBackend struct{ data []byte }

func (m *memBackend) Read(ctx context.Context) ([]byte, error) {
	if m.data == nil {
		return nil, mirror.ErrEmpty
	}
	return m.data, nil
}

func (m *memBackend) Write(ctx context.Context, data []byte) error {
	m.data = data
	return nil
}

type testServer struct {
	handler http.Handler
	store   *inmemory.Store
	files   *inmemory.Attachments
	ledger  *ledger.Ledger
	monitor *connectivity.Monitor
	flows   *confirm.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zerolog.Nop()
	ts := &testServer{
		store:   inmemory.NewStore(),
		files:   inmemory.NewAttachments("https://files.test/receipts"),
		ledger:  ledger.New(log),
		monitor: connectivity.NewMonitor(true, 8, log),
		flows:   confirm.NewRegistry(),
	}
	m := mirror.New(&memBackend{}, log)
	w := ledger.NewWriter(8, log)
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	clock := func() time.Time { return time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC) }
	rec := &notify.Recorder{}
	engine := reconcile.NewEngine(reconcile.Deps{
		Store: ts.store, Ledger: ts.ledger, Mirror: m, Writer: w,
		Online: ts.monitor, Notifier: rec, Clock: clock, Log: log,
	})
	svc := service.New(service.Deps{
		Store: ts.store, Attachments: ts.files, Ledger: ts.ledger, Mirror: m, Writer: w,
		Engine: engine, Online: ts.monitor, Notifier: rec, Clock: clock, Log: log,
	})
	h := NewLedgerHandler(svc, ts.flows, ts.monitor, money.NewFormatter("BRL"), log)
	ts.handler = h.Routes(nil, nil)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, contentType string, body []byte) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, out
}

func (ts *testServer) seed(movements ...domain.Movement) {
	ts.store.Seed(movements...)
	ts.ledger.Replace(movements)
}

func TestDeposit_JSON(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{"number amount", "/api/boxes/personal/deposits", `{"amount":150.00}`, http.StatusOK},
		{"string amount", "/api/boxes/personal/deposits", `{"amount":"150.00","description":"salary"}`, http.StatusOK},
		{"zero amount", "/api/boxes/personal/deposits", `{"amount":0}`, http.StatusBadRequest},
		{"missing amount", "/api/boxes/personal/deposits", `{}`, http.StatusBadRequest},
		{"malformed", "/api/boxes/personal/deposits", `{"amount":`, http.StatusBadRequest},
		{"unknown box", "/api/boxes/savings/deposits", `{"amount":1}`, http.StatusNotFound},
		{"withdraw without description", "/api/boxes/marketing/withdrawals", `{"amount":40}`, http.StatusBadRequest},
		{"withdraw", "/api/boxes/marketing/withdrawals", `{"amount":40,"description":"Ads"}`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rec, _ := ts.do(t, http.MethodPost, tt.path, "application/json", []byte(tt.body))
			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestDeposit_ThenGetBox(t *testing.T) {
	ts := newTestServer(t)
	_, out := ts.do(t, http.MethodPost, "/api/boxes/personal/deposits", "application/json", []byte(`{"amount":"150,50"}`))
	if out["status"] != "success" || out["message"] != service.MsgDeposited {
		t.Fatalf("unexpected outcome %v", out)
	}

	rec, box := ts.do(t, http.MethodGet, "/api/boxes/personal", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if box["balance"] != "150.50" || box["label"] != "Personal Expenses" {
		t.Errorf("unexpected box view %v", box)
	}
	history := box["history"].([]interface{})
	if len(history) != 1 {
		t.Fatalf("expected 1 movement, got %d", len(history))
	}
	first := history[0].(map[string]interface{})
	if first["receipt_display"] != "none" || !strings.Contains(first["amount_display"].(string), "150,50") {
		t.Errorf("unexpected movement view %v", first)
	}
}

func TestDeposit_Multipart(t *testing.T) {
	ts := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("amount", "20")
	_ = mw.WriteField("description", "lunch")
	fw, _ := mw.CreateFormFile("receipt", "nota.pdf")
	_, _ = fw.Write([]byte("%PDF-1.4"))
	_ = mw.Close()

	rec, out := ts.do(t, http.MethodPost, "/api/boxes/personal/withdrawals", mw.FormDataContentType(), body.Bytes())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	mv := out["movement"].(map[string]interface{})
	if mv["receipt_name"] != "nota.pdf" || mv["receipt_display"] != "pdf" {
		t.Errorf("unexpected movement %v", mv)
	}
	if ts.files.Len() != 1 {
		t.Errorf("expected uploaded receipt, got %d objects", ts.files.Len())
	}
}

func TestDeposit_UploadFailureIsBadGateway(t *testing.T) {
	ts := newTestServer(t)
	ts.files.UploadHook = func(ctx context.Context, name string) error { return errors.New("down") }

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("amount", "20")
	fw, _ := mw.CreateFormFile("receipt", "a.png")
	_, _ = fw.Write([]byte("png"))
	_ = mw.Close()

	rec, out := ts.do(t, http.MethodPost, "/api/boxes/personal/deposits", mw.FormDataContentType(), body.Bytes())
	if rec.Code != http.StatusBadGateway || out["message"] != service.MsgUploadFailed {
		t.Errorf("unexpected response %d %v", rec.Code, out)
	}
}

func TestDeleteFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(domain.Movement{ID: 5, Box: domain.BoxPersonal, Timestamp: 5, Description: "x", Amount: decimal.NewFromInt(10)})

	rec, _ := ts.do(t, http.MethodPost, "/api/boxes/personal/movements/99/delete-requests", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown movement, got %d", rec.Code)
	}

	rec, flow := ts.do(t, http.MethodPost, "/api/boxes/personal/movements/5/delete-requests", "", nil)
	if rec.Code != http.StatusCreated || flow["state"] != string(confirm.StatePendingSingle) {
		t.Fatalf("unexpected response %d %v", rec.Code, flow)
	}
	token := flow["token"].(string)

	rec, out := ts.do(t, http.MethodPost, "/api/confirmations/"+token+"/confirm", "", nil)
	if rec.Code != http.StatusOK || out["message"] != service.MsgDeleted {
		t.Fatalf("unexpected confirm response %d %v", rec.Code, out)
	}
	if len(ts.ledger.History(domain.BoxPersonal)) != 0 {
		t.Error("expected movement removed")
	}
	if ts.flows.Len() != 0 {
		t.Error("expected flow closed after confirm")
	}

	rec, _ = ts.do(t, http.MethodPost, "/api/confirmations/"+token+"/confirm", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected reused token to be unknown, got %d", rec.Code)
	}
}

func TestDeleteFlow_Offline(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(domain.Movement{ID: 5, Box: domain.BoxPersonal, Timestamp: 5, Amount: decimal.NewFromInt(10)})

	_, flow := ts.do(t, http.MethodPost, "/api/boxes/personal/movements/5/delete-requests", "", nil)
	ts.do(t, http.MethodPost, "/api/lifecycle/offline", "", nil)

	rec, out := ts.do(t, http.MethodPost, "/api/confirmations/"+flow["token"].(string)+"/confirm", "", nil)
	if rec.Code != http.StatusConflict || out["message"] != service.MsgOfflineDelete {
		t.Errorf("unexpected response %d %v", rec.Code, out)
	}
	if ts.store.Calls().DeleteByID != 0 {
		t.Error("expected no remote call")
	}
}

func TestClearFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(
		domain.Movement{ID: 1, Box: domain.BoxMarketing, Timestamp: 1, Amount: decimal.NewFromInt(10)},
		domain.Movement{ID: 2, Box: domain.BoxMarketing, Timestamp: 2, Amount: decimal.NewFromInt(-4)},
	)

	_, flow := ts.do(t, http.MethodPost, "/api/boxes/marketing/movements/2/delete-requests", "", nil)
	token := flow["token"].(string)

	rec, flow := ts.do(t, http.MethodPost, "/api/confirmations/"+token+"/clear", "", nil)
	if rec.Code != http.StatusOK || flow["state"] != string(confirm.StateAwaitingTyped) || flow["type_word"] != confirm.ClearToken {
		t.Fatalf("unexpected clear response %d %v", rec.Code, flow)
	}

	_, flow = ts.do(t, http.MethodPost, "/api/confirmations/"+token+"/type", "application/json", []byte(`{"input":"clea"}`))
	if flow["can_confirm"] != false {
		t.Errorf("expected partial token to be rejected, got %v", flow)
	}
	rec, _ = ts.do(t, http.MethodPost, "/api/confirmations/"+token+"/confirm", "", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 before the token is typed, got %d", rec.Code)
	}

	_, flow = ts.do(t, http.MethodPost, "/api/confirmations/"+token+"/type", "application/json", []byte(`{"input":" clear "}`))
	if flow["can_confirm"] != true {
		t.Fatalf("expected token to be accepted, got %v", flow)
	}

	rec, out := ts.do(t, http.MethodPost, "/api/confirmations/"+token+"/confirm", "", nil)
	if rec.Code != http.StatusOK || out["message"] != "Marketing history cleared" {
		t.Fatalf("unexpected confirm response %d %v", rec.Code, out)
	}
	if len(ts.ledger.History(domain.BoxMarketing)) != 0 || !ts.ledger.Balance(domain.BoxMarketing).IsZero() {
		t.Error("expected marketing cleared")
	}
}

func TestDismiss(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(domain.Movement{ID: 5, Box: domain.BoxPersonal, Timestamp: 5, Amount: decimal.NewFromInt(10)})
	_, flow := ts.do(t, http.MethodPost, "/api/boxes/personal/movements/5/delete-requests", "", nil)

	rec, _ := ts.do(t, http.MethodDelete, "/api/confirmations/"+flow["token"].(string), "", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	rec, _ = ts.do(t, http.MethodDelete, "/api/confirmations/"+flow["token"].(string), "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestSyncAndStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.store.Seed(domain.Movement{ID: 1, Box: domain.BoxPersonal, Timestamp: 1, Amount: decimal.NewFromInt(7)})

	rec, out := ts.do(t, http.MethodPost, "/api/sync", "", nil)
	if rec.Code != http.StatusOK || out["synced"] != true || out["phase"] != string(ledger.PhaseRemote) {
		t.Fatalf("unexpected sync response %d %v", rec.Code, out)
	}

	rec, _ = ts.do(t, http.MethodPost, "/api/lifecycle/reload", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown event, got %d", rec.Code)
	}
	rec, out = ts.do(t, http.MethodPost, "/api/lifecycle/offline", "", nil)
	if rec.Code != http.StatusAccepted || out["online"] != false {
		t.Errorf("unexpected lifecycle response %d %v", rec.Code, out)
	}

	_, out = ts.do(t, http.MethodGet, "/api/status", "", nil)
	if out["online"] != false || out["currency"] != "BRL" || out["syncing"] != false {
		t.Errorf("unexpected status %v", out)
	}

	rec, out = ts.do(t, http.MethodPost, "/api/sync", "", nil)
	if rec.Code != http.StatusConflict || out["synced"] != false {
		t.Errorf("expected offline sync to fail, got %d %v", rec.Code, out)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		out  service.Outcome
		want int
	}{
		{service.Outcome{Status: service.StatusSuccess}, http.StatusOK},
		{service.Outcome{Status: service.StatusPartial}, http.StatusOK},
		{service.Outcome{Status: service.StatusInfo}, http.StatusOK},
		{service.Outcome{Status: service.StatusFailure, Err: service.ErrOffline}, http.StatusConflict},
		{service.Outcome{Status: service.StatusFailure, Err: service.ErrMovementNotFound}, http.StatusNotFound},
		{service.Outcome{Status: service.StatusFailure, Err: service.ErrInvalidEntry}, http.StatusBadRequest},
		{service.Outcome{Status: service.StatusFailure, Err: service.ErrRemote}, http.StatusBadGateway},
	}

	for _, tt := range tests {
		if got := StatusFor(tt.out); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, expected %d", tt.out.Err, got, tt.want)
		}
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec, out := ts.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || out["status"] != "healthy" {
		t.Errorf("unexpected health response %d %v", rec.Code, out)
	}
}
