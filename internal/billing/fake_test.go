package billing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"rentpay/internal/common/database"
	"rentpay/internal/common/events"
)

// fakeStore is an in-memory Store for tests. It enforces the same
// guarantees the schema does: one PENDING invoice per payment and
// status-guarded updates.
type fakeStore struct {
	mu          sync.Mutex
	payments    map[string]*Payment
	methods     map[string]*PaymentMethod
	invoices    map[string]*Invoice
	webhookLogs map[string]*WebhookLogEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		payments:    make(map[string]*Payment),
		methods:     make(map[string]*PaymentMethod),
		invoices:    make(map[string]*Invoice),
		webhookLogs: make(map[string]*WebhookLogEntry),
	}
}

var _ Store = (*fakeStore)(nil)

func (f *fakeStore) CreatePayment(_ context.Context, p *Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.payments[p.ID] = &cp
	return nil
}

func (f *fakeStore) GetPayment(_ context.Context, publicID string) (*Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.PublicID == publicID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (f *fakeStore) GetPaymentByID(_ context.Context, id string) (*Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) SetPaymentStatus(_ context.Context, id string, from []PaymentStatus, to PaymentStatus, paidAt *time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return false, nil
	}
	for _, st := range from {
		if p.Status == st {
			p.Status = to
			if paidAt != nil {
				p.PaidAt = paidAt
			}
			p.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) CreatePaymentMethod(_ context.Context, m *PaymentMethod) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.methods[m.Code]; ok {
		return fmt.Errorf("payment method %s: %w", m.Code, database.ErrAlreadyExists)
	}
	cp := *m
	f.methods[m.Code] = &cp
	return nil
}

func (f *fakeStore) GetPaymentMethodByCode(_ context.Context, code string) (*PaymentMethod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.methods[code]
	if !ok {
		return nil, ErrMethodNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) ListPaymentMethods(_ context.Context, filter MethodFilter) ([]*PaymentMethod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*PaymentMethod
	for _, m := range f.methods {
		if filter.Type != "" && m.Type != filter.Type {
			continue
		}
		if filter.ActiveOnly && !m.IsActive {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) CreateInvoice(_ context.Context, inv *Invoice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inv.Status == InvoicePending {
		for _, other := range f.invoices {
			if other.PaymentID == inv.PaymentID && other.Status == InvoicePending {
				return fmt.Errorf("payment %s already has a live invoice: %w", inv.PaymentID, database.ErrAlreadyExists)
			}
		}
	}
	cp := *inv
	f.invoices[inv.ID] = &cp
	return nil
}

func (f *fakeStore) GetInvoice(_ context.Context, publicID string) (*Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inv := range f.invoices {
		if inv.PublicID == publicID {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, ErrInvoiceNotFound
}

func (f *fakeStore) GetInvoiceByID(_ context.Context, id string) (*Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (f *fakeStore) GetPendingInvoiceForPayment(_ context.Context, paymentID string) (*Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inv := range f.invoices {
		if inv.PaymentID == paymentID && inv.Status == InvoicePending {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, ErrInvoiceNotFound
}

func (f *fakeStore) GetInvoiceByExternalRef(_ context.Context, origin, externalID string) (*Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inv := range f.invoices {
		if inv.Origin == origin && inv.ExternalID == externalID {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, ErrInvoiceNotFound
}

func (f *fakeStore) TransitionInvoice(_ context.Context, id string, from, to InvoiceStatus, change InvoiceChange) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[id]
	if !ok || inv.Status != from {
		return false, nil
	}
	inv.Status = to
	if change.PaidAt != nil {
		inv.PaidAt = change.PaidAt
	}
	if change.Metadata != nil {
		inv.Metadata = change.Metadata
	}
	inv.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (f *fakeStore) ListInvoices(_ context.Context, filter InvoiceFilter) ([]*Invoice, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Invoice
	for _, inv := range f.invoices {
		if filter.PaymentID != "" && inv.PaymentID != filter.PaymentID {
			continue
		}
		if filter.Origin != "" && inv.Origin != filter.Origin {
			continue
		}
		if filter.Status != "" && inv.Status != filter.Status {
			continue
		}
		cp := *inv
		out = append(out, &cp)
	}
	return out, int64(len(out)), nil
}

func (f *fakeStore) ExpirePendingInvoices(_ context.Context, now time.Time) ([]*Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var expired []*Invoice
	for _, inv := range f.invoices {
		if inv.Status == InvoicePending && inv.ExpiresAt != nil && inv.ExpiresAt.Before(now) {
			inv.Status = InvoiceExpired
			inv.UpdatedAt = now
			cp := *inv
			expired = append(expired, &cp)
		}
	}
	return expired, nil
}

func (f *fakeStore) CreateWebhookLog(_ context.Context, e *WebhookLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.webhookLogs[e.ID] = &cp
	return nil
}

func (f *fakeStore) FinishWebhookLog(_ context.Context, id string, eventType, invoiceID, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.webhookLogs[id]
	if !ok {
		return fmt.Errorf("webhook log %s not found", id)
	}
	e.Processed = true
	if eventType != "" {
		e.EventType = eventType
	}
	if invoiceID != "" {
		e.InvoiceID = invoiceID
	}
	e.ErrorMessage = errorMessage
	return nil
}

func (f *fakeStore) webhookLog(id string) *WebhookLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.webhookLogs[id]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

func (f *fakeStore) invoiceByID(id string) *Invoice {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[id]
	if !ok {
		return nil
	}
	cp := *inv
	return &cp
}

// fakeGateway is a configurable Gateway for tests.
type fakeGateway struct {
	code      string
	charge    *Charge
	chargeErr error
	verifyOK  bool
	event     *ProviderEvent
	parseErr  error

	chargeCalls int
}

var _ Gateway = (*fakeGateway)(nil)

func (g *fakeGateway) Code() string { return g.code }

func (g *fakeGateway) CreateCharge(_ context.Context, _ ChargeRequest) (*Charge, error) {
	g.chargeCalls++
	if g.chargeErr != nil {
		return nil, g.chargeErr
	}
	cp := *g.charge
	return &cp, nil
}

func (g *fakeGateway) VerifyWebhook(_ http.Header, _ []byte) bool { return g.verifyOK }

func (g *fakeGateway) ParseEvent(_ []byte) (*ProviderEvent, error) {
	if g.parseErr != nil {
		return nil, g.parseErr
	}
	cp := *g.event
	return &cp, nil
}

// capturingPublisher records published events.
type capturingPublisher struct {
	mu        sync.Mutex
	published []publishedEvent
}

type publishedEvent struct {
	subject string
	event   *events.Event
}

func (p *capturingPublisher) Publish(_ context.Context, subject string, event *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, publishedEvent{subject: subject, event: event})
	return nil
}

func (p *capturingPublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.published))
	for i, e := range p.published {
		out[i] = e.subject
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
