package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rentpay/internal/common/database"
)

// InvoiceChange carries the optional fields set alongside a status
// transition.
type InvoiceChange struct {
	PaidAt   *time.Time
	Metadata json.RawMessage
}

// InvoiceFilter narrows invoice listings.
type InvoiceFilter struct {
	PaymentID string
	Origin    string
	Status    InvoiceStatus
	Limit     int
	Offset    int
}

// MethodFilter narrows payment method listings.
type MethodFilter struct {
	Type       MethodType
	ActiveOnly bool
}

// Store persists payments, invoices, payment methods and webhook logs.
// It is the single source of truth and serialization point: invoice and
// payment status transitions are conditional writes keyed on the current
// status, and the caller checks whether the write applied.
type Store interface {
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, publicID string) (*Payment, error)
	GetPaymentByID(ctx context.Context, id string) (*Payment, error)
	// SetPaymentStatus transitions a payment's status only if its current
	// status is one of from. Returns false when the guard did not match.
	SetPaymentStatus(ctx context.Context, id string, from []PaymentStatus, to PaymentStatus, paidAt *time.Time) (bool, error)

	CreatePaymentMethod(ctx context.Context, m *PaymentMethod) error
	GetPaymentMethodByCode(ctx context.Context, code string) (*PaymentMethod, error)
	ListPaymentMethods(ctx context.Context, f MethodFilter) ([]*PaymentMethod, error)

	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, publicID string) (*Invoice, error)
	GetInvoiceByID(ctx context.Context, id string) (*Invoice, error)
	GetPendingInvoiceForPayment(ctx context.Context, paymentID string) (*Invoice, error)
	GetInvoiceByExternalRef(ctx context.Context, origin, externalID string) (*Invoice, error)
	// TransitionInvoice applies from→to only if the row is still in from at
	// write time. Returns false when the guard did not match; the caller
	// re-reads and applies the idempotence/inconsistency rules.
	TransitionInvoice(ctx context.Context, id string, from, to InvoiceStatus, change InvoiceChange) (bool, error)
	ListInvoices(ctx context.Context, f InvoiceFilter) ([]*Invoice, int64, error)
	// ExpirePendingInvoices moves every PENDING invoice whose expiry has
	// passed to EXPIRED, using the same status-guarded update, and returns
	// the invoices it expired.
	ExpirePendingInvoices(ctx context.Context, now time.Time) ([]*Invoice, error)

	CreateWebhookLog(ctx context.Context, e *WebhookLogEntry) error
	// FinishWebhookLog flips the entry to processed, optionally attaching
	// the parsed event type, the resolved invoice and an error message.
	// The entry is never touched again afterwards.
	FinishWebhookLog(ctx context.Context, id string, eventType, invoiceID, errorMessage string) error
}

// PostgresStore implements Store on PostgreSQL via pgx.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// CreatePayment inserts a new payment in pending status.
func (s *PostgresStore) CreatePayment(ctx context.Context, p *Payment) error {
	query := `
		INSERT INTO payments (
			id, public_id, debtor_id, lease_id, period,
			amount_minor, currency, method, status, receipt_key,
			paid_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := s.db.Exec(ctx, query,
		p.ID, p.PublicID, p.DebtorID, nullStr(p.LeaseID), nullStr(p.Period),
		p.Amount.AmountMinor, p.Amount.Currency, nullStr(p.Method), p.Status, nullStr(p.ReceiptKey),
		p.PaidAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by public ID.
func (s *PostgresStore) GetPayment(ctx context.Context, publicID string) (*Payment, error) {
	query := paymentSelect + ` WHERE public_id = $1`
	return scanPayment(s.db.QueryRow(ctx, query, publicID))
}

// GetPaymentByID retrieves a payment by internal ID.
func (s *PostgresStore) GetPaymentByID(ctx context.Context, id string) (*Payment, error) {
	query := paymentSelect + ` WHERE id = $1`
	return scanPayment(s.db.QueryRow(ctx, query, id))
}

// SetPaymentStatus applies a status-guarded update to a payment.
func (s *PostgresStore) SetPaymentStatus(ctx context.Context, id string, from []PaymentStatus, to PaymentStatus, paidAt *time.Time) (bool, error) {
	query := `
		UPDATE payments
		SET status = $2, paid_at = COALESCE($3, paid_at), updated_at = now()
		WHERE id = $1 AND status = ANY($4)
	`

	fromStr := make([]string, len(from))
	for i, st := range from {
		fromStr[i] = string(st)
	}

	tag, err := s.db.Exec(ctx, query, id, to, paidAt, fromStr)
	if err != nil {
		return false, fmt.Errorf("updating payment status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CreatePaymentMethod inserts a catalog entry.
func (s *PostgresStore) CreatePaymentMethod(ctx context.Context, m *PaymentMethod) error {
	query := `
		INSERT INTO payment_methods (
			id, public_id, name, code, type, description,
			is_active, icon_url, config, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.db.Exec(ctx, query,
		m.ID, m.PublicID, m.Name, m.Code, m.Type, nullStr(m.Description),
		m.IsActive, nullStr(m.IconURL), m.Config, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("payment method %s: %w", m.Code, database.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting payment method: %w", err)
	}
	return nil
}

// GetPaymentMethodByCode retrieves an active-or-not method by code.
func (s *PostgresStore) GetPaymentMethodByCode(ctx context.Context, code string) (*PaymentMethod, error) {
	query := methodSelect + ` WHERE code = $1`
	return scanMethod(s.db.QueryRow(ctx, query, code))
}

// ListPaymentMethods lists catalog entries, type first then name, matching
// how the catalog is displayed.
func (s *PostgresStore) ListPaymentMethods(ctx context.Context, f MethodFilter) ([]*PaymentMethod, error) {
	query := methodSelect + ` WHERE ($1 = '' OR type = $1) AND (NOT $2 OR is_active) ORDER BY type, name`

	rows, err := s.db.Query(ctx, query, string(f.Type), f.ActiveOnly)
	if err != nil {
		return nil, fmt.Errorf("listing payment methods: %w", err)
	}
	defer rows.Close()

	var methods []*PaymentMethod
	for rows.Next() {
		m, err := scanMethod(rows)
		if err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	return methods, rows.Err()
}

// CreateInvoice inserts a new invoice. The partial unique index on
// (payment_id) WHERE status = 'PENDING' makes a second live invoice for the
// same payment a unique violation.
func (s *PostgresStore) CreateInvoice(ctx context.Context, inv *Invoice) error {
	query := `
		INSERT INTO invoices (
			id, public_id, payment_id, invoice_number, amount_minor, currency,
			origin, external_id, external_url, status, expires_at, paid_at,
			metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := s.db.Exec(ctx, query,
		inv.ID, inv.PublicID, inv.PaymentID, inv.InvoiceNumber,
		inv.Amount.AmountMinor, inv.Amount.Currency,
		inv.Origin, nullStr(inv.ExternalID), nullStr(inv.ExternalURL), inv.Status,
		inv.ExpiresAt, inv.PaidAt, inv.Metadata, inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("payment %s already has a live invoice: %w", inv.PaymentID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting invoice: %w", err)
	}
	return nil
}

// GetInvoice retrieves an invoice by public ID.
func (s *PostgresStore) GetInvoice(ctx context.Context, publicID string) (*Invoice, error) {
	query := invoiceSelect + ` WHERE public_id = $1`
	return scanInvoice(s.db.QueryRow(ctx, query, publicID))
}

// GetInvoiceByID retrieves an invoice by internal ID.
func (s *PostgresStore) GetInvoiceByID(ctx context.Context, id string) (*Invoice, error) {
	query := invoiceSelect + ` WHERE id = $1`
	return scanInvoice(s.db.QueryRow(ctx, query, id))
}

// GetPendingInvoiceForPayment returns the live invoice for a payment, if
// any.
func (s *PostgresStore) GetPendingInvoiceForPayment(ctx context.Context, paymentID string) (*Invoice, error) {
	query := invoiceSelect + ` WHERE payment_id = $1 AND status = 'PENDING'`
	return scanInvoice(s.db.QueryRow(ctx, query, paymentID))
}

// GetInvoiceByExternalRef looks up an invoice by provider origin and
// external reference, the key webhooks are matched on.
func (s *PostgresStore) GetInvoiceByExternalRef(ctx context.Context, origin, externalID string) (*Invoice, error) {
	query := invoiceSelect + ` WHERE origin = $1 AND external_id = $2`
	return scanInvoice(s.db.QueryRow(ctx, query, origin, externalID))
}

// TransitionInvoice performs the compare-and-set status update.
func (s *PostgresStore) TransitionInvoice(ctx context.Context, id string, from, to InvoiceStatus, change InvoiceChange) (bool, error) {
	query := `
		UPDATE invoices
		SET status = $3,
		    paid_at = COALESCE($4, paid_at),
		    metadata = COALESCE($5, metadata),
		    updated_at = now()
		WHERE id = $1 AND status = $2
	`

	tag, err := s.db.Exec(ctx, query, id, from, to, change.PaidAt, change.Metadata)
	if err != nil {
		return false, fmt.Errorf("transitioning invoice: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListInvoices lists invoices newest first with optional filters.
func (s *PostgresStore) ListInvoices(ctx context.Context, f InvoiceFilter) ([]*Invoice, int64, error) {
	where := ` WHERE ($1 = '' OR payment_id = $1) AND ($2 = '' OR origin = $2) AND ($3 = '' OR status = $3)`

	var total int64
	countQuery := `SELECT COUNT(*) FROM invoices` + where
	if err := s.db.QueryRow(ctx, countQuery, f.PaymentID, f.Origin, string(f.Status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting invoices: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	query := invoiceSelect + where + ` ORDER BY created_at DESC LIMIT $4 OFFSET $5`
	rows, err := s.db.Query(ctx, query, f.PaymentID, f.Origin, string(f.Status), limit, f.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, total, rows.Err()
}

// ExpirePendingInvoices applies the sweep as a single guarded update so it
// cannot race a concurrent webhook transition on the same rows.
func (s *PostgresStore) ExpirePendingInvoices(ctx context.Context, now time.Time) ([]*Invoice, error) {
	query := `
		UPDATE invoices
		SET status = 'EXPIRED', updated_at = now()
		WHERE status = 'PENDING' AND expires_at IS NOT NULL AND expires_at < $1
		RETURNING ` + invoiceColumns

	rows, err := s.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("expiring invoices: %w", err)
	}
	defer rows.Close()

	var expired []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, inv)
	}
	return expired, rows.Err()
}

// CreateWebhookLog appends an audit record for an inbound notification.
func (s *PostgresStore) CreateWebhookLog(ctx context.Context, e *WebhookLogEntry) error {
	query := `
		INSERT INTO webhook_logs (
			id, invoice_id, provider, event_type, headers, payload,
			processed, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.db.Exec(ctx, query,
		e.ID, nullStr(e.InvoiceID), e.Provider, nullStr(e.EventType),
		e.Headers, e.Payload, e.Processed, nullStr(e.ErrorMessage), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting webhook log: %w", err)
	}
	return nil
}

// FinishWebhookLog records the processing outcome of a notification.
func (s *PostgresStore) FinishWebhookLog(ctx context.Context, id string, eventType, invoiceID, errorMessage string) error {
	query := `
		UPDATE webhook_logs
		SET processed = true,
		    event_type = COALESCE($2, event_type),
		    invoice_id = COALESCE($3, invoice_id),
		    error_message = $4
		WHERE id = $1
	`

	_, err := s.db.Exec(ctx, query, id, nullStr(eventType), nullStr(invoiceID), nullStr(errorMessage))
	if err != nil {
		return fmt.Errorf("finishing webhook log: %w", err)
	}
	return nil
}

const paymentSelect = `
	SELECT id, public_id, debtor_id, lease_id, period,
	       amount_minor, currency, method, status, receipt_key,
	       paid_at, created_at, updated_at
	FROM payments`

const methodSelect = `
	SELECT id, public_id, name, code, type, description,
	       is_active, icon_url, config, created_at, updated_at
	FROM payment_methods`

const invoiceColumns = `id, public_id, payment_id, invoice_number, amount_minor, currency,
	       origin, external_id, external_url, status, expires_at, paid_at,
	       metadata, created_at, updated_at`

const invoiceSelect = `
	SELECT ` + invoiceColumns + `
	FROM invoices`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var p Payment
	var leaseID, period, method, receiptKey *string

	err := row.Scan(
		&p.ID, &p.PublicID, &p.DebtorID, &leaseID, &period,
		&p.Amount.AmountMinor, &p.Amount.Currency, &method, &p.Status, &receiptKey,
		&p.PaidAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("scanning payment: %w", err)
	}

	p.LeaseID = deref(leaseID)
	p.Period = deref(period)
	p.Method = deref(method)
	p.ReceiptKey = deref(receiptKey)
	return &p, nil
}

func scanMethod(row rowScanner) (*PaymentMethod, error) {
	var m PaymentMethod
	var description, iconURL *string

	err := row.Scan(
		&m.ID, &m.PublicID, &m.Name, &m.Code, &m.Type, &description,
		&m.IsActive, &iconURL, &m.Config, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrMethodNotFound
		}
		return nil, fmt.Errorf("scanning payment method: %w", err)
	}

	m.Description = deref(description)
	m.IconURL = deref(iconURL)
	return &m, nil
}

func scanInvoice(row rowScanner) (*Invoice, error) {
	var inv Invoice
	var externalID, externalURL *string

	err := row.Scan(
		&inv.ID, &inv.PublicID, &inv.PaymentID, &inv.InvoiceNumber,
		&inv.Amount.AmountMinor, &inv.Amount.Currency,
		&inv.Origin, &externalID, &externalURL, &inv.Status,
		&inv.ExpiresAt, &inv.PaidAt, &inv.Metadata, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("scanning invoice: %w", err)
	}

	inv.ExternalID = deref(externalID)
	inv.ExternalURL = deref(externalURL)
	return &inv, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
