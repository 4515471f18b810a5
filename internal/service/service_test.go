package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dvloznov/box-ledger/internal/connectivity"
	"github.com/dvloznov/box-ledger/internal/domain"
	"github.com/dvloznov/box-ledger/internal/ledger"
	"github.com/dvloznov/box-ledger/internal/mirror"
	"github.com/dvloznov/box-ledger/internal/notify"
	"github.com/dvloznov/box-ledger/internal/reconcile"
	"github.com/dvloznov/box-ledger/internal/store"
	"github.com/dvloznov/box-ledger/internal/store/inmemory"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var baseTime = time.Date(2025, 1, 10, 9, 30, 0, 0, time.UTC)

type fixture struct {
	svc      *Service
	store    *inmemory.Store
	files    *inmemory.Attachments
	ledger   *ledger.Ledger
	mirror   *mirror.Mirror
	backend  *mirror.FileBackend
	monitor  *connectivity.Monitor
	recorder *notify.Recorder
}

func newFixture(t *testing.T, seed ...domain.Movement) *fixture {
	t.Helper()
	log := zerolog.Nop()
	clock := func() time.Time { return baseTime }

	f := &fixture{
		store:    inmemory.NewStore(seed...),
		files:    inmemory.NewAttachments("https://files.test/receipts"),
		ledger:   ledger.New(log),
		backend:  mirror.NewFileBackend(filepath.Join(t.TempDir(), "cache.json")),
		monitor:  connectivity.NewMonitor(true, 8, log),
		recorder: &notify.Recorder{},
	}
	f.mirror = mirror.New(f.backend, log)

	w := ledger.NewWriter(8, log)
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	engine := reconcile.NewEngine(reconcile.Deps{
		Store: f.store, Ledger: f.ledger, Mirror: f.mirror, Writer: w,
		Online: f.monitor, Notifier: f.recorder, Clock: clock, Log: log,
	})
	f.svc = New(Deps{
		Store: f.store, Attachments: f.files, Ledger: f.ledger, Mirror: f.mirror,
		Writer: w, Engine: engine, Online: f.monitor, Notifier: f.recorder,
		Clock: clock, Log: log,
	})
	return f
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func receipt(id int64, b domain.Box, amount, name string) domain.Movement {
	url := "https://files.test/receipts/" + domain.AttachmentName(id, name)
	n := name
	return domain.Movement{ID: id, Box: b, Timestamp: id, Description: "x", Icon: "💸", Amount: dec(amount), ReceiptURL: &url, ReceiptName: &n}
}

func (f *fixture) mirrored(t *testing.T) domain.Snapshot {
	t.Helper()
	s, ok := f.mirror.Load(context.Background())
	if !ok {
		t.Fatal("expected mirror snapshot")
	}
	return s
}

func TestDeposit_NoAttachment(t *testing.T) {
	f := newFixture(t)

	out := f.svc.Deposit(context.Background(), Entry{Box: domain.BoxPersonal, Magnitude: dec("150.00")})

	if out.Status != StatusSuccess || out.Message != MsgDeposited {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if got := f.svc.Balance(domain.BoxPersonal); !got.Equal(dec("150")) {
		t.Errorf("expected balance 150, got %s", got)
	}
	h := f.svc.History(domain.BoxPersonal)
	if len(h) != 1 || !h[0].Amount.Equal(dec("150")) {
		t.Fatalf("unexpected history %+v", h)
	}
	if h[0].Description != "10/01/2025" || h[0].Icon != DefaultDepositIcon {
		t.Errorf("expected default description and icon, got %q %q", h[0].Description, h[0].Icon)
	}
	if h[0].ID != baseTime.UnixMilli() || h[0].Timestamp != h[0].ID {
		t.Errorf("expected id and timestamp from clock, got %d %d", h[0].ID, h[0].Timestamp)
	}
	if h[0].ReceiptURL != nil {
		t.Error("expected no receipt")
	}
	if s := f.mirrored(t); !s.Personal.Balance.Equal(dec("150")) {
		t.Errorf("expected mirror to hold new balance, got %s", s.Personal.Balance)
	}
	if n, _ := f.recorder.Last(); n.Level != notify.LevelSuccess {
		t.Errorf("expected success notification, got %+v", n)
	}
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t)

	out := f.svc.Withdraw(context.Background(), Entry{Box: domain.BoxMarketing, Magnitude: dec("40.00"), Description: "Ads"})

	if out.Status != StatusSuccess || out.Message != MsgWithdrawn {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if got := f.svc.Balance(domain.BoxMarketing); !got.Equal(dec("-40")) {
		t.Errorf("expected balance -40, got %s", got)
	}
	rows := f.store.Rows()
	if len(rows) != 1 || !rows[0].Amount.Equal(dec("-40.00")) || rows[0].Description != "Ads" {
		t.Errorf("unexpected stored row %+v", rows)
	}
}

func TestRecord_Validation(t *testing.T) {
	tests := []struct {
		name    string
		kind    domain.Kind
		entry   Entry
		wantErr error
	}{
		{"zero amount", domain.KindDeposit, Entry{Box: domain.BoxPersonal, Magnitude: decimal.Zero}, domain.ErrNonPositiveAmount},
		{"negative amount", domain.KindWithdraw, Entry{Box: domain.BoxPersonal, Magnitude: dec("-1"), Description: "x"}, domain.ErrNonPositiveAmount},
		{"withdraw without description", domain.KindWithdraw, Entry{Box: domain.BoxPersonal, Magnitude: dec("1"), Description: "  "}, domain.ErrDescriptionRequired},
		{"unknown box", domain.KindDeposit, Entry{Box: "savings", Magnitude: dec("1")}, domain.ErrUnknownBox},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			out := f.svc.record(context.Background(), tt.kind, tt.entry)

			if out.Status != StatusFailure || !errors.Is(out.Err, ErrInvalidEntry) || !errors.Is(out.Err, tt.wantErr) {
				t.Errorf("unexpected outcome %+v", out)
			}
			if f.store.Calls().Insert != 0 {
				t.Error("expected no remote insert")
			}
		})
	}
}

func TestDeposit_WithAttachment(t *testing.T) {
	f := newFixture(t)

	out := f.svc.Deposit(context.Background(), Entry{
		Box:        domain.BoxPersonal,
		Magnitude:  dec("20"),
		Attachment: &Attachment{Name: "nota.pdf", ContentType: "application/pdf", Body: strings.NewReader("%PDF")},
	})
	if !out.OK() {
		t.Fatalf("unexpected outcome %+v", out)
	}

	object := domain.AttachmentName(baseTime.UnixMilli(), "nota.pdf")
	if _, ct, ok := f.files.Object(object); !ok || ct != "application/pdf" {
		t.Errorf("expected object %s to be uploaded", object)
	}
	m := out.Movement
	if m.ReceiptURL == nil || *m.ReceiptURL != f.files.PublicURL(object) || *m.ReceiptName != "nota.pdf" {
		t.Errorf("unexpected receipt fields %+v", m)
	}
}

func TestDeposit_UploadFailure(t *testing.T) {
	f := newFixture(t)
	f.files.UploadHook = func(ctx context.Context, name string) error { return errors.New("bucket unavailable") }

	out := f.svc.Deposit(context.Background(), Entry{
		Box:        domain.BoxPersonal,
		Magnitude:  dec("20"),
		Attachment: &Attachment{Name: "a.png", ContentType: "image/png", Body: strings.NewReader("png")},
	})

	if out.Status != StatusFailure || out.Message != MsgUploadFailed {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if f.store.Calls().Insert != 0 {
		t.Error("expected no insert after failed upload")
	}
	if !f.svc.Balance(domain.BoxPersonal).IsZero() || len(f.svc.History(domain.BoxPersonal)) != 0 {
		t.Error("expected ledger unchanged")
	}
	if n, _ := f.recorder.Last(); n.Level != notify.LevelError {
		t.Errorf("expected error notification, got %+v", n)
	}
}

func TestDeposit_InsertFailureLeavesOrphan(t *testing.T) {
	f := newFixture(t)
	f.store.InsertHook = func(ctx context.Context, m domain.Movement) error { return store.ErrRejected }

	out := f.svc.Deposit(context.Background(), Entry{
		Box:        domain.BoxPersonal,
		Magnitude:  dec("20"),
		Attachment: &Attachment{Name: "a.png", ContentType: "image/png", Body: strings.NewReader("png")},
	})

	if out.Status != StatusFailure || !errors.Is(out.Err, ErrRemote) {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if f.files.Len() != 1 {
		t.Error("expected uploaded receipt to remain")
	}
	if len(f.svc.History(domain.BoxPersonal)) != 0 {
		t.Error("expected ledger unchanged")
	}
}

func TestDeposit_CancelledDuringInsert(t *testing.T) {
	tests := []struct {
		name string
		// hook runs inside Insert after ctx was cancelled
		hook       func(ctx context.Context) error
		wantStatus Status
		wantRows   int
		wantBal    string
	}{
		{
			name:       "remote write completes",
			hook:       func(ctx context.Context) error { return nil },
			wantStatus: StatusSuccess,
			wantRows:   1,
			wantBal:    "150",
		},
		{
			name:       "remote write honours cancellation",
			hook:       func(ctx context.Context) error { return ctx.Err() },
			wantStatus: StatusFailure,
			wantRows:   0,
			wantBal:    "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			entered := make(chan struct{})
			release := make(chan struct{})
			f.store.InsertHook = func(ctx context.Context, m domain.Movement) error {
				close(entered)
				<-release
				return tt.hook(ctx)
			}

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan Outcome, 1)
			go func() {
				done <- f.svc.Deposit(ctx, Entry{Box: domain.BoxPersonal, Magnitude: dec("150.00")})
			}()

			<-entered
			cancel()
			select {
			case out := <-done:
				t.Fatalf("Deposit returned %+v while the insert was still running", out)
			case <-time.After(20 * time.Millisecond):
			}
			close(release)
			out := <-done

			if out.Status != tt.wantStatus {
				t.Fatalf("expected status %s, got %+v", tt.wantStatus, out)
			}
			if got := len(f.store.Rows()); got != tt.wantRows {
				t.Errorf("expected %d remote rows, got %d", tt.wantRows, got)
			}
			if got := f.svc.Balance(domain.BoxPersonal); !got.Equal(dec(tt.wantBal)) {
				t.Errorf("expected balance %s, got %s", tt.wantBal, got)
			}
			if got := len(f.svc.History(domain.BoxPersonal)); got != tt.wantRows {
				t.Errorf("expected %d local movements, got %d", tt.wantRows, got)
			}
		})
	}
}

func TestDelete_CancelledWhileQueued(t *testing.T) {
	f := newFixture(t, receipt(1, domain.BoxPersonal, "-5", "a.png"))
	f.svc.Startup(context.Background())

	// Hold the writer with a slow insert so the delete waits in the queue.
	entered := make(chan struct{})
	release := make(chan struct{})
	f.store.InsertHook = func(ctx context.Context, m domain.Movement) error {
		close(entered)
		<-release
		return nil
	}
	go f.svc.Deposit(context.Background(), Entry{Box: domain.BoxMarketing, Magnitude: dec("1")})
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() { done <- f.svc.Delete(ctx, domain.BoxPersonal, 1) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	close(release)
	out := <-done

	if out.Status != StatusFailure || !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("expected cancelled failure, got %+v", out)
	}
	if f.store.Calls().DeleteByID != 0 {
		t.Error("expected no remote delete for a skipped command")
	}
	if _, ok := f.svc.Movement(domain.BoxPersonal, 1); !ok {
		t.Error("expected movement to stay in the ledger")
	}
}

func TestNextID_Monotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.svc.Deposit(ctx, Entry{Box: domain.BoxPersonal, Magnitude: dec("1")})
	b := f.svc.Deposit(ctx, Entry{Box: domain.BoxPersonal, Magnitude: dec("2")})

	if a.Movement.ID == b.Movement.ID || b.Movement.ID != a.Movement.ID+1 {
		t.Errorf("expected distinct consecutive ids, got %d and %d", a.Movement.ID, b.Movement.ID)
	}
	if got := f.svc.Balance(domain.BoxPersonal); !got.Equal(dec("3")) {
		t.Errorf("expected balance 3, got %s", got)
	}
}

func TestDelete_Offline(t *testing.T) {
	f := newFixture(t)
	_ = f.ledger.Apply(receipt(1, domain.BoxPersonal, "10", "a.png"))
	f.monitor.SetOnline(false)

	out := f.svc.Delete(context.Background(), domain.BoxPersonal, 1)

	if out.Status != StatusFailure || out.Message != MsgOfflineDelete || !errors.Is(out.Err, ErrOffline) {
		t.Fatalf("unexpected outcome %+v", out)
	}
	c, fc := f.store.Calls(), f.files.Calls()
	if c.DeleteByID != 0 || fc.Delete != 0 {
		t.Error("expected no remote call while offline")
	}
	if len(f.svc.History(domain.BoxPersonal)) != 1 {
		t.Error("expected ledger unchanged")
	}
}

func TestDelete(t *testing.T) {
	tests := []struct {
		name        string
		id          int64
		fileErr     error
		storeErr    error
		wantStatus  Status
		wantMsg     string
		wantRemains int
	}{
		{name: "success", id: 1, wantStatus: StatusSuccess, wantMsg: MsgDeleted, wantRemains: 1},
		{name: "not found", id: 42, wantStatus: StatusFailure, wantMsg: MsgNotFound, wantRemains: 2},
		{name: "receipt removal fails", id: 1, fileErr: errors.New("503"), wantStatus: StatusSuccess, wantMsg: MsgDeleted, wantRemains: 1},
		{name: "record delete fails", id: 1, storeErr: store.ErrRejected, wantStatus: StatusFailure, wantMsg: MsgDeleteFailed, wantRemains: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seed := []domain.Movement{
				receipt(1, domain.BoxPersonal, "10", "a.png"),
				{ID: 2, Box: domain.BoxPersonal, Timestamp: 2, Description: "y", Amount: dec("5")},
			}
			f := newFixture(t, seed...)
			f.ledger.Replace(seed)
			f.files.DeleteHook = func(ctx context.Context, names []string) error { return tt.fileErr }
			f.store.DeleteByIDHook = func(ctx context.Context, id int64) error { return tt.storeErr }

			out := f.svc.Delete(context.Background(), domain.BoxPersonal, tt.id)

			if out.Status != tt.wantStatus || out.Message != tt.wantMsg {
				t.Fatalf("unexpected outcome %+v", out)
			}
			if got := len(f.svc.History(domain.BoxPersonal)); got != tt.wantRemains {
				t.Errorf("expected %d movements, got %d", tt.wantRemains, got)
			}
			sum := domain.BoxState{History: f.svc.History(domain.BoxPersonal)}.Sum()
			if !f.svc.Balance(domain.BoxPersonal).Equal(sum) {
				t.Error("balance drifted from history")
			}
			if tt.name == "not found" && f.store.Calls().DeleteByID != 0 {
				t.Error("expected no remote call for unknown id")
			}
		})
	}
}

func TestClear_PartialWhenBatchFails(t *testing.T) {
	seed := []domain.Movement{
		receipt(1, domain.BoxMarketing, "10", "a.png"),
		receipt(2, domain.BoxMarketing, "-3", "b.pdf"),
		{ID: 3, Box: domain.BoxMarketing, Timestamp: 3, Description: "z", Amount: dec("7")},
	}
	f := newFixture(t, seed...)
	f.ledger.Replace(seed)

	var batch []string
	f.files.DeleteHook = func(ctx context.Context, names []string) error {
		batch = names
		return errors.New("batch failed")
	}

	out := f.svc.Clear(context.Background(), domain.BoxMarketing)

	if out.Status != StatusPartial || out.Message != MsgClearedPartial {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !f.svc.Balance(domain.BoxMarketing).IsZero() || len(f.svc.History(domain.BoxMarketing)) != 0 {
		t.Error("expected box cleared")
	}
	if s := f.mirrored(t); len(s.Marketing.History) != 0 || !s.Marketing.Balance.IsZero() {
		t.Error("expected mirror updated")
	}
	if len(batch) != 2 {
		t.Errorf("expected one batch with 2 names, got %v", batch)
	}
	if f.files.Calls().Delete != 1 {
		t.Errorf("expected a single batch call, got %d", f.files.Calls().Delete)
	}
}

func TestClear(t *testing.T) {
	t.Run("empty box is informational", func(t *testing.T) {
		f := newFixture(t)
		out := f.svc.Clear(context.Background(), domain.BoxPersonal)
		if out.Status != StatusInfo || out.Message != "There are no records in Personal Expenses" {
			t.Errorf("unexpected outcome %+v", out)
		}
		if f.store.Calls().DeleteByBox != 0 {
			t.Error("expected no remote call")
		}
	})

	t.Run("success", func(t *testing.T) {
		seed := []domain.Movement{{ID: 1, Box: domain.BoxPersonal, Timestamp: 1, Amount: dec("4")}}
		f := newFixture(t, seed...)
		f.ledger.Replace(seed)

		out := f.svc.Clear(context.Background(), domain.BoxPersonal)
		if out.Status != StatusSuccess || out.Message != "Personal Expenses history cleared" {
			t.Errorf("unexpected outcome %+v", out)
		}
		if f.files.Calls().Delete != 0 {
			t.Error("expected no batch delete without receipts")
		}
	})

	t.Run("remote failure changes nothing", func(t *testing.T) {
		seed := []domain.Movement{{ID: 1, Box: domain.BoxPersonal, Timestamp: 1, Amount: dec("4")}}
		f := newFixture(t, seed...)
		f.ledger.Replace(seed)
		f.store.DeleteByBoxHook = func(ctx context.Context, b domain.Box) error { return errors.New("timeout") }

		out := f.svc.Clear(context.Background(), domain.BoxPersonal)
		if out.Status != StatusFailure || out.Message != MsgClearFailed {
			t.Errorf("unexpected outcome %+v", out)
		}
		if !f.svc.Balance(domain.BoxPersonal).Equal(dec("4")) {
			t.Error("expected balance untouched")
		}
	})

	t.Run("offline", func(t *testing.T) {
		f := newFixture(t)
		f.monitor.SetOnline(false)
		out := f.svc.Clear(context.Background(), domain.BoxPersonal)
		if !errors.Is(out.Err, ErrOffline) || out.Message != MsgOfflineClear {
			t.Errorf("unexpected outcome %+v", out)
		}
		if f.store.Calls().DeleteByBox != 0 {
			t.Error("expected no remote call while offline")
		}
	})
}

func TestAttachmentNames(t *testing.T) {
	dup := receipt(1, domain.BoxPersonal, "1", "a.png")
	noName := receipt(2, domain.BoxPersonal, "1", "b.png")
	noName.ReceiptName = nil
	noURL := receipt(3, domain.BoxPersonal, "1", "c.png")
	noURL.ReceiptURL = nil

	names := AttachmentNames([]domain.Movement{dup, dup, noName, noURL, receipt(4, domain.BoxPersonal, "1", "d.png")})
	if len(names) != 2 || names[0] != "1_a.png" || names[1] != "4_d.png" {
		t.Errorf("unexpected names %v", names)
	}
}

func TestStartup_CorruptedMirror(t *testing.T) {
	f := newFixture(t)
	f.monitor.SetOnline(false)
	if err := f.backend.Write(context.Background(), []byte(`{"personal":{"balance":"5","history":[]},"saved_at":1}`)); err != nil {
		t.Fatalf("seed mirror: %v", err)
	}

	f.svc.Startup(context.Background())

	if f.svc.Phase() != ledger.PhaseEmpty {
		t.Errorf("expected empty phase, got %s", f.svc.Phase())
	}
	for _, b := range domain.Boxes {
		if !f.svc.Balance(b).IsZero() || len(f.svc.History(b)) != 0 {
			t.Errorf("expected box %s empty", b)
		}
	}
}

func TestStartup_HydratesThenReconciles(t *testing.T) {
	remote := []domain.Movement{{ID: 9, Box: domain.BoxMarketing, Timestamp: 9, Amount: dec("12")}}
	f := newFixture(t, remote...)
	f.mirror.Save(context.Background(), domain.Snapshot{
		Personal:  domain.BoxState{Balance: dec("1"), History: []domain.Movement{{ID: 1, Box: domain.BoxPersonal, Amount: dec("1")}}},
		Marketing: domain.BoxState{History: []domain.Movement{}},
	})

	if !f.svc.Startup(context.Background()) {
		t.Fatal("expected startup reconciliation to succeed")
	}
	if f.svc.Phase() != ledger.PhaseRemote {
		t.Errorf("expected remote phase, got %s", f.svc.Phase())
	}
	if !f.svc.Balance(domain.BoxPersonal).IsZero() || !f.svc.Balance(domain.BoxMarketing).Equal(dec("12")) {
		t.Error("expected remote state to replace the mirror view")
	}
}

func TestStartup_OfflineKeepsMirror(t *testing.T) {
	f := newFixture(t)
	f.mirror.Save(context.Background(), domain.Snapshot{
		Personal:  domain.BoxState{History: []domain.Movement{{ID: 1, Box: domain.BoxPersonal, Amount: dec("8")}}},
		Marketing: domain.BoxState{History: []domain.Movement{}},
	})
	f.monitor.SetOnline(false)

	if f.svc.Startup(context.Background()) {
		t.Error("expected no reconciliation while offline")
	}
	if f.svc.Phase() != ledger.PhaseMirror || !f.svc.Balance(domain.BoxPersonal).Equal(dec("8")) {
		t.Error("expected ledger hydrated from mirror")
	}
}

func TestReconcileNow(t *testing.T) {
	f := newFixture(t, domain.Movement{ID: 1, Box: domain.BoxPersonal, Timestamp: 1, Amount: dec("3")})
	if !f.svc.ReconcileNow(context.Background()) {
		t.Fatal("expected reconcile to succeed")
	}
	if !f.svc.Balance(domain.BoxPersonal).Equal(dec("3")) {
		t.Error("expected remote balance")
	}
	if f.svc.Syncing() {
		t.Error("expected no reconciliation in flight")
	}
}
