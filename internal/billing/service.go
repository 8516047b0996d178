package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rentpay/internal/common/database"
	"rentpay/internal/common/money"
	"rentpay/internal/common/publicid"

	"github.com/oklog/ulid/v2"
)

// Config holds billing engine settings.
type Config struct {
	// InvoiceTTL is the default invoice lifetime when the provider does not
	// dictate one.
	InvoiceTTL time.Duration `envconfig:"BILLING_INVOICE_TTL" default:"24h"`
	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration `envconfig:"BILLING_SWEEP_INTERVAL" default:"1m"`
}

// Service orchestrates the payment and invoice lifecycle.
type Service struct {
	store     Store
	gateways  *GatewayRegistry
	publisher Publisher
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// NewService creates the billing service. publisher may be nil, in which
// case events are not emitted.
func NewService(store Store, gateways *GatewayRegistry, publisher Publisher, logger *slog.Logger, cfg Config) *Service {
	if cfg.InvoiceTTL <= 0 {
		cfg.InvoiceTTL = 24 * time.Hour
	}
	return &Service{
		store:     store,
		gateways:  gateways,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// CreatePaymentInput carries the fields for registering a payment
// obligation.
type CreatePaymentInput struct {
	DebtorID string
	LeaseID  string
	Period   string
	Amount   money.Money
	Method   string
}

// CreatePayment registers a new payment obligation in pending status.
func (s *Service) CreatePayment(ctx context.Context, in CreatePaymentInput) (*Payment, error) {
	now := s.now().UTC()
	p := &Payment{
		ID:        ulid.Make().String(),
		PublicID:  publicid.New(publicid.PrefixPayment),
		DebtorID:  in.DebtorID,
		LeaseID:   in.LeaseID,
		Period:    in.Period,
		Amount:    in.Amount,
		Method:    in.Method,
		Status:    PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("creating payment: %w", err)
	}

	s.logger.Info("payment created",
		slog.String("payment_id", p.PublicID),
		slog.String("debtor_id", p.DebtorID),
		slog.String("amount", p.Amount.String()),
	)
	return p, nil
}

// GetPayment retrieves a payment by public ID.
func (s *Service) GetPayment(ctx context.Context, publicID string) (*Payment, error) {
	return s.store.GetPayment(ctx, publicID)
}

// CreateInvoiceInput carries the fields for opening a collection attempt.
type CreateInvoiceInput struct {
	PaymentPublicID string
	Provider        string
	ReturnURL       string
	CancelURL       string
}

// CreateInvoice opens a collection attempt for a payment through the given
// provider.
//
// At most one PENDING invoice exists per payment. Re-requesting the same
// provider returns the live invoice unchanged. Requesting a different
// provider cancels the live invoice and opens a new one, so the tenant can
// switch how they pay without losing history.
//
// The provider call is all-or-nothing: a transient provider failure leaves
// no trace, while an explicit rejection is recorded as a FAILED invoice.
//
// The boolean result reports whether a new invoice was opened (false means
// an existing live invoice was returned unchanged).
func (s *Service) CreateInvoice(ctx context.Context, in CreateInvoiceInput) (*Invoice, bool, error) {
	payment, err := s.store.GetPayment(ctx, in.PaymentPublicID)
	if err != nil {
		return nil, false, err
	}
	if payment.Status != PaymentPending {
		return nil, false, fmt.Errorf("payment %s is %s: %w", payment.PublicID, payment.Status, ErrPaymentNotPending)
	}

	method, err := s.store.GetPaymentMethodByCode(ctx, in.Provider)
	if err != nil {
		return nil, false, err
	}
	if !method.IsActive {
		return nil, false, fmt.Errorf("payment method %s is inactive: %w", method.Code, ErrMethodNotFound)
	}

	gateway, ok := s.gateways.Get(in.Provider)
	if !ok {
		return nil, false, fmt.Errorf("no gateway configured for %s: %w", in.Provider, ErrMethodNotFound)
	}

	now := s.now().UTC()

	existing, err := s.store.GetPendingInvoiceForPayment(ctx, payment.ID)
	if err != nil && !errors.Is(err, ErrInvoiceNotFound) {
		return nil, false, err
	}
	if existing != nil {
		switch {
		case existing.IsExpired(now):
			// Lazily expire so the sweep interval never blocks a retry.
			if err := s.expireInvoice(ctx, existing, payment.PublicID); err != nil {
				return nil, false, err
			}
		case existing.Origin == in.Provider:
			return existing, false, nil
		default:
			// Provider switch: the previous attempt is cancelled, not
			// deleted, so the trail stays complete.
			if err := s.cancelInvoice(ctx, existing, payment.PublicID); err != nil {
				return nil, false, err
			}
		}
	}

	invoicePublicID := publicid.New(publicid.PrefixInvoice)
	charge, err := gateway.CreateCharge(ctx, ChargeRequest{
		PaymentPublicID: payment.PublicID,
		InvoicePublicID: invoicePublicID,
		Amount:          payment.Amount,
		Description:     chargeDescription(payment),
		ReturnURL:       in.ReturnURL,
		CancelURL:       in.CancelURL,
	})
	if err != nil {
		if rejection, ok := IsProviderRejected(err); ok {
			s.recordRejectedInvoice(ctx, payment, invoicePublicID, in.Provider, rejection, now)
		}
		return nil, false, err
	}

	expiresAt := charge.ExpiresAt
	if expiresAt == nil {
		t := now.Add(s.cfg.InvoiceTTL)
		expiresAt = &t
	}

	inv := &Invoice{
		ID:            ulid.Make().String(),
		PublicID:      invoicePublicID,
		PaymentID:     payment.ID,
		InvoiceNumber: invoiceNumber(now),
		Amount:        payment.Amount,
		Origin:        in.Provider,
		ExternalID:    charge.ExternalID,
		ExternalURL:   charge.ExternalURL,
		Status:        InvoicePending,
		ExpiresAt:     expiresAt,
		Metadata:      charge.Raw,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.CreateInvoice(ctx, inv); err != nil {
		// Lost a race with a concurrent create for the same payment; hand
		// back whichever invoice won.
		if errors.Is(err, database.ErrAlreadyExists) {
			if winner, getErr := s.store.GetPendingInvoiceForPayment(ctx, payment.ID); getErr == nil {
				return winner, false, nil
			}
		}
		return nil, false, err
	}

	s.logger.Info("invoice created",
		slog.String("invoice_id", inv.PublicID),
		slog.String("invoice_number", inv.InvoiceNumber),
		slog.String("payment_id", payment.PublicID),
		slog.String("origin", inv.Origin),
		slog.String("external_id", inv.ExternalID),
	)
	s.publishInvoiceEvent(ctx, SubjectInvoiceCreated, inv, payment.PublicID)
	return inv, true, nil
}

// recordRejectedInvoice persists an explicit provider rejection as a FAILED
// invoice. Best-effort: the rejection error is what the caller sees either
// way.
func (s *Service) recordRejectedInvoice(ctx context.Context, payment *Payment, invoicePublicID, origin string, rejection *ProviderRejectedError, now time.Time) {
	inv := &Invoice{
		ID:            ulid.Make().String(),
		PublicID:      invoicePublicID,
		PaymentID:     payment.ID,
		InvoiceNumber: invoiceNumber(now),
		Amount:        payment.Amount,
		Origin:        origin,
		Status:        InvoiceFailed,
		Metadata:      rejectionMetadata(rejection),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.CreateInvoice(ctx, inv); err != nil {
		s.logger.Error("recording rejected invoice",
			slog.String("payment_id", payment.PublicID),
			slog.Any("error", err),
		)
		return
	}

	s.logger.Warn("provider rejected charge",
		slog.String("invoice_id", inv.PublicID),
		slog.String("payment_id", payment.PublicID),
		slog.String("origin", origin),
		slog.String("reason", rejection.Reason),
	)
	s.publishInvoiceEvent(ctx, SubjectInvoiceFailed, inv, payment.PublicID)
}

// GetInvoice retrieves an invoice by public ID.
func (s *Service) GetInvoice(ctx context.Context, publicID string) (*Invoice, error) {
	return s.store.GetInvoice(ctx, publicID)
}

// ListInvoicesInput filters an invoice listing.
type ListInvoicesInput struct {
	PaymentPublicID string
	Origin          string
	Status          InvoiceStatus
	Limit           int
	Offset          int
}

// ListInvoices lists invoices newest first.
func (s *Service) ListInvoices(ctx context.Context, in ListInvoicesInput) ([]*Invoice, int64, error) {
	filter := InvoiceFilter{
		Origin: in.Origin,
		Status: in.Status,
		Limit:  in.Limit,
		Offset: in.Offset,
	}

	if in.PaymentPublicID != "" {
		payment, err := s.store.GetPayment(ctx, in.PaymentPublicID)
		if err != nil {
			return nil, 0, err
		}
		filter.PaymentID = payment.ID
	}

	return s.store.ListInvoices(ctx, filter)
}

// CreatePaymentMethodInput carries the fields for a catalog entry.
type CreatePaymentMethodInput struct {
	Name        string
	Code        string
	Type        MethodType
	Description string
	IconURL     string
	Config      []byte
}

// CreatePaymentMethod registers a provider in the catalog.
func (s *Service) CreatePaymentMethod(ctx context.Context, in CreatePaymentMethodInput) (*PaymentMethod, error) {
	now := s.now().UTC()
	m := &PaymentMethod{
		ID:          ulid.Make().String(),
		PublicID:    publicid.New(publicid.PrefixPaymentMethod),
		Name:        in.Name,
		Code:        in.Code,
		Type:        in.Type,
		Description: in.Description,
		IsActive:    true,
		IconURL:     in.IconURL,
		Config:      in.Config,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.CreatePaymentMethod(ctx, m); err != nil {
		return nil, err
	}

	s.logger.Info("payment method created",
		slog.String("method_id", m.PublicID),
		slog.String("code", m.Code),
		slog.String("type", string(m.Type)),
	)
	return m, nil
}

// ListPaymentMethods lists catalog entries.
func (s *Service) ListPaymentMethods(ctx context.Context, f MethodFilter) ([]*PaymentMethod, error) {
	return s.store.ListPaymentMethods(ctx, f)
}

// ExpireStalePendingInvoices moves past-due PENDING invoices to EXPIRED and
// emits an event per invoice. Returns how many were expired.
func (s *Service) ExpireStalePendingInvoices(ctx context.Context) (int, error) {
	expired, err := s.store.ExpirePendingInvoices(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}

	for _, inv := range expired {
		s.logger.Info("invoice expired",
			slog.String("invoice_id", inv.PublicID),
			slog.String("origin", inv.Origin),
		)
		s.publishInvoiceEvent(ctx, SubjectInvoiceExpired, inv, "")
	}
	return len(expired), nil
}

// expireInvoice transitions one invoice to EXPIRED via the guarded update.
// A lost race means someone else already moved it, which is fine.
func (s *Service) expireInvoice(ctx context.Context, inv *Invoice, paymentPublicID string) error {
	applied, err := s.store.TransitionInvoice(ctx, inv.ID, InvoicePending, InvoiceExpired, InvoiceChange{})
	if err != nil {
		return err
	}
	if applied {
		inv.Status = InvoiceExpired
		s.logger.Info("invoice expired", slog.String("invoice_id", inv.PublicID))
		s.publishInvoiceEvent(ctx, SubjectInvoiceExpired, inv, paymentPublicID)
	}
	return nil
}

func (s *Service) cancelInvoice(ctx context.Context, inv *Invoice, paymentPublicID string) error {
	applied, err := s.store.TransitionInvoice(ctx, inv.ID, InvoicePending, InvoiceCancelled, InvoiceChange{})
	if err != nil {
		return err
	}
	if applied {
		inv.Status = InvoiceCancelled
		s.logger.Info("invoice cancelled",
			slog.String("invoice_id", inv.PublicID),
			slog.String("origin", inv.Origin),
		)
	}
	return nil
}

// invoiceNumber builds a human-facing invoice number: INV-YYYYMMDD-XXXXXX.
func invoiceNumber(now time.Time) string {
	id := ulid.Make().String()
	return fmt.Sprintf("INV-%s-%s", now.Format("20060102"), id[len(id)-6:])
}

func chargeDescription(p *Payment) string {
	if p.Period != "" {
		return fmt.Sprintf("Rent payment %s for period %s", p.PublicID, p.Period)
	}
	return fmt.Sprintf("Rent payment %s", p.PublicID)
}

func rejectionMetadata(r *ProviderRejectedError) []byte {
	return []byte(fmt.Sprintf(`{"rejection_code":%q,"rejection_reason":%q}`, r.Code, r.Reason))
}
