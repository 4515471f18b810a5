package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/box-ledger/internal/api/middleware"
	"github.com/dvloznov/box-ledger/internal/confirm"
	"github.com/dvloznov/box-ledger/internal/connectivity"
	"github.com/dvloznov/box-ledger/internal/domain"
	"github.com/dvloznov/box-ledger/internal/logger"
	"github.com/dvloznov/box-ledger/internal/money"
	"github.com/dvloznov/box-ledger/internal/service"
)

// MaxReceiptBytes bounds the size of an uploaded receipt.
const MaxReceiptBytes = 10 << 20

// LedgerHandler serves the box, mutation and sync endpoints.
type LedgerHandler struct {
	svc     *service.Service
	flows   *confirm.Registry
	monitor *connectivity.Monitor
	money   money.Formatter
	log     zerolog.Logger
}

// NewLedgerHandler creates a new ledger handler.
func NewLedgerHandler(svc *service.Service, flows *confirm.Registry, monitor *connectivity.Monitor, f money.Formatter, log zerolog.Logger) *LedgerHandler {
	return &LedgerHandler{svc: svc, flows: flows, monitor: monitor, money: f, log: log}
}

type movementView struct {
	domain.Movement
	AmountDisplay  string                `json:"amount_display"`
	ReceiptDisplay domain.ReceiptDisplay `json:"receipt_display"`
}

type boxView struct {
	Box            domain.Box     `json:"box"`
	Label          string         `json:"label"`
	Balance        string         `json:"balance"`
	BalanceDisplay string         `json:"balance_display"`
	History        []movementView `json:"history"`
}

type outcomeView struct {
	service.Outcome
	Movement *movementView `json:"movement,omitempty"`
}

func (h *LedgerHandler) movementView(m domain.Movement) movementView {
	return movementView{Movement: m, AmountDisplay: h.money.Format(m.Amount), ReceiptDisplay: m.ReceiptDisplay()}
}

func (h *LedgerHandler) boxView(b domain.Box) boxView {
	history := h.svc.History(b)
	views := make([]movementView, 0, len(history))
	for _, m := range history {
		views = append(views, h.movementView(m))
	}
	balance := h.svc.Balance(b)
	return boxView{
		Box:            b,
		Label:          b.Label(),
		Balance:        balance.StringFixed(2),
		BalanceDisplay: h.money.Format(balance),
		History:        views,
	}
}

// StatusFor maps an outcome to the HTTP status returned to the client.
func StatusFor(o service.Outcome) int {
	if o.Status != service.StatusFailure {
		return http.StatusOK
	}
	switch {
	case errors.Is(o.Err, service.ErrOffline):
		return http.StatusConflict
	case errors.Is(o.Err, service.ErrMovementNotFound):
		return http.StatusNotFound
	case errors.Is(o.Err, service.ErrInvalidEntry):
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func (h *LedgerHandler) writeOutcome(w http.ResponseWriter, o service.Outcome) {
	view := outcomeView{Outcome: o}
	if o.Movement != nil {
		mv := h.movementView(*o.Movement)
		view.Movement = &mv
	}
	middleware.WriteJSON(w, StatusFor(o), view)
}

func boxParam(w http.ResponseWriter, r *http.Request) (domain.Box, bool) {
	b, err := domain.ParseBox(chi.URLParam(r, "box"))
	if err != nil {
		middleware.WriteError(w, http.StatusNotFound, "Unknown box")
		return "", false
	}
	return b, true
}

// ListBoxes handles GET /api/boxes
func (h *LedgerHandler) ListBoxes(w http.ResponseWriter, r *http.Request) {
	boxes := make([]boxView, 0, len(domain.Boxes))
	for _, b := range domain.Boxes {
		boxes = append(boxes, h.boxView(b))
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"boxes": boxes,
		"phase": h.svc.Phase(),
	})
}

// GetBox handles GET /api/boxes/{box}
func (h *LedgerHandler) GetBox(w http.ResponseWriter, r *http.Request) {
	b, ok := boxParam(w, r)
	if !ok {
		return
	}
	middleware.WriteJSON(w, http.StatusOK, h.boxView(b))
}

// Deposit handles POST /api/boxes/{box}/deposits
func (h *LedgerHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, domain.KindDeposit)
}

// Withdraw handles POST /api/boxes/{box}/withdrawals
func (h *LedgerHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, domain.KindWithdraw)
}

func (h *LedgerHandler) record(w http.ResponseWriter, r *http.Request, kind domain.Kind) {
	b, ok := boxParam(w, r)
	if !ok {
		return
	}
	entry, closeFn, err := parseEntry(w, r)
	if err != nil {
		reqLog := logger.FromContext(r.Context())
		reqLog.Debug().Err(err).Msg("Rejected entry body")
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer closeFn()
	entry.Box = b

	var out service.Outcome
	if kind == domain.KindWithdraw {
		out = h.svc.Withdraw(r.Context(), entry)
	} else {
		out = h.svc.Deposit(r.Context(), entry)
	}
	h.writeOutcome(w, out)
}

type entryRequest struct {
	Amount      json.Number `json:"amount"`
	Description string      `json:"description"`
	Icon        string      `json:"icon"`
}

// parseEntry reads a JSON or multipart entry. The returned func releases
// the uploaded file.
func parseEntry(w http.ResponseWriter, r *http.Request) (service.Entry, func(), error) {
	noop := func() {}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType != "multipart/form-data" {
		var req entryRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			return service.Entry{}, noop, errors.New("Invalid request body")
		}
		amount, err := parseAmount(req.Amount.String())
		if err != nil {
			return service.Entry{}, noop, err
		}
		return service.Entry{Magnitude: amount, Description: req.Description, Icon: req.Icon}, noop, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxReceiptBytes+1<<20)
	if err := r.ParseMultipartForm(MaxReceiptBytes); err != nil {
		return service.Entry{}, noop, errors.New("Invalid multipart body")
	}
	amount, err := parseAmount(r.FormValue("amount"))
	if err != nil {
		return service.Entry{}, noop, err
	}
	entry := service.Entry{
		Magnitude:   amount,
		Description: r.FormValue("description"),
		Icon:        r.FormValue("icon"),
	}

	file, header, err := r.FormFile("receipt")
	if errors.Is(err, http.ErrMissingFile) {
		return entry, noop, nil
	}
	if err != nil {
		return service.Entry{}, noop, errors.New("Invalid receipt file")
	}
	if header.Size > MaxReceiptBytes {
		file.Close()
		return service.Entry{}, noop, errors.New("Receipt exceeds 10 MiB")
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	entry.Attachment = &service.Attachment{Name: header.Filename, ContentType: contentType, Body: file}
	return entry, func() { file.Close() }, nil
}

// parseAmount accepts "150.50" and the comma form "150,50".
func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ",") && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.New("Invalid amount")
	}
	return d, nil
}

// Sync handles POST /api/sync
func (h *LedgerHandler) Sync(w http.ResponseWriter, r *http.Request) {
	synced := h.svc.ReconcileNow(r.Context())
	status := http.StatusOK
	if !synced {
		status = http.StatusConflict
	}
	middleware.WriteJSON(w, status, map[string]interface{}{
		"synced": synced,
		"phase":  h.svc.Phase(),
	})
}

// Lifecycle handles POST /api/lifecycle/{event}
func (h *LedgerHandler) Lifecycle(w http.ResponseWriter, r *http.Request) {
	t, err := connectivity.ParseTrigger(chi.URLParam(r, "event"))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Unknown lifecycle event")
		return
	}
	h.monitor.Apply(t)
	middleware.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"event":  t,
		"online": h.monitor.Online(),
	})
}

// Status handles GET /api/status
func (h *LedgerHandler) Status(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"online":   h.svc.Online(),
		"phase":    h.svc.Phase(),
		"syncing":  h.svc.Syncing(),
		"currency": h.money.Code(),
	})
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid movement id")
		return 0, false
	}
	return id, true
}
