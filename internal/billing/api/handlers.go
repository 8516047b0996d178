package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"rentpay/internal/billing"
	"rentpay/internal/common/api"
	"rentpay/internal/common/database"
	"rentpay/internal/common/money"
)

// ErrCodeProviderRejected is returned when the provider refused a charge.
const ErrCodeProviderRejected = "PROVIDER_REJECTED"

// Handler handles billing HTTP requests
type Handler struct {
	service *billing.Service
}

// NewHandler creates a new billing handler
func NewHandler(service *billing.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the billing routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	// Payment routes
	r.Post("/payments", h.CreatePayment)
	r.Get("/payments/{publicID}", h.GetPayment)
	r.Post("/payments/{publicID}/approve", h.ApprovePayment)
	r.Post("/payments/{publicID}/reject", h.RejectPayment)

	// Invoice routes
	r.Post("/invoices", h.CreateInvoice)
	r.Get("/invoices", h.ListInvoices)
	r.Get("/invoices/{publicID}", h.GetInvoice)
	r.Post("/invoices/webhooks/{provider}", h.HandleWebhook)

	// Payment method catalog
	r.Post("/payment-methods", h.CreatePaymentMethod)
	r.Get("/payment-methods", h.ListPaymentMethods)

	return r
}

// CreatePaymentRequest is the API request for registering a payment
type CreatePaymentRequest struct {
	DebtorID    string `json:"debtor_id" validate:"required,max=64"`
	LeaseID     string `json:"lease_id" validate:"max=64"`
	Period      string `json:"period" validate:"max=16"`
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"required,len=3"`
	Method      string `json:"method" validate:"max=50"`
}

// CreatePayment handles POST /payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	currency := money.Currency(req.Currency)
	if !money.IsSupported(currency) {
		api.BadRequest(w, "unsupported currency")
		return
	}

	payment, err := h.service.CreatePayment(r.Context(), billing.CreatePaymentInput{
		DebtorID: req.DebtorID,
		LeaseID:  req.LeaseID,
		Period:   req.Period,
		Amount:   money.New(req.AmountMinor, currency),
		Method:   req.Method,
	})
	if err != nil {
		api.InternalError(w, "failed to create payment")
		return
	}

	api.WriteData(w, http.StatusCreated, payment)
}

// GetPayment handles GET /payments/{publicID}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := h.service.GetPayment(r.Context(), chi.URLParam(r, "publicID"))
	if err != nil {
		if errors.Is(err, billing.ErrPaymentNotFound) {
			api.NotFound(w, "payment not found")
			return
		}
		api.InternalError(w, "failed to load payment")
		return
	}

	api.WriteData(w, http.StatusOK, payment)
}

// ApprovePayment handles POST /payments/{publicID}/approve
func (h *Handler) ApprovePayment(w http.ResponseWriter, r *http.Request) {
	h.reviewPayment(w, r, h.service.ApprovePayment)
}

// RejectPayment handles POST /payments/{publicID}/reject
func (h *Handler) RejectPayment(w http.ResponseWriter, r *http.Request) {
	h.reviewPayment(w, r, h.service.RejectPayment)
}

func (h *Handler) reviewPayment(w http.ResponseWriter, r *http.Request, review func(ctx context.Context, publicID string) (*billing.Payment, error)) {
	payment, err := review(r.Context(), chi.URLParam(r, "publicID"))
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrPaymentNotFound):
			api.NotFound(w, "payment not found")
		case errors.Is(err, billing.ErrInconsistentTransition):
			api.Conflict(w, "payment has already been reviewed")
		default:
			api.InternalError(w, "failed to update payment")
		}
		return
	}

	api.WriteData(w, http.StatusOK, payment)
}

// CreateInvoiceRequest is the API request for opening a collection attempt
type CreateInvoiceRequest struct {
	PaymentID    string `json:"payment_id" validate:"required"`
	ProviderCode string `json:"provider_code" validate:"required,max=50"`
	ReturnURL    string `json:"return_url" validate:"omitempty,url"`
	CancelURL    string `json:"cancel_url" validate:"omitempty,url"`
}

// CreateInvoice handles POST /invoices
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	invoice, created, err := h.service.CreateInvoice(r.Context(), billing.CreateInvoiceInput{
		PaymentPublicID: req.PaymentID,
		Provider:        req.ProviderCode,
		ReturnURL:       req.ReturnURL,
		CancelURL:       req.CancelURL,
	})
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrPaymentNotFound):
			api.NotFound(w, "payment not found")
		case errors.Is(err, billing.ErrMethodNotFound):
			api.BadRequest(w, "unknown or inactive payment provider")
		case errors.Is(err, billing.ErrPaymentNotPending):
			api.Conflict(w, "payment is not open for collection")
		case errors.Is(err, billing.ErrProviderUnavailable):
			api.BadGateway(w, "payment provider unavailable, try again later")
		default:
			if rejection, ok := billing.IsProviderRejected(err); ok {
				api.WriteError(w, http.StatusUnprocessableEntity, ErrCodeProviderRejected, rejection.Error())
				return
			}
			api.InternalError(w, "failed to create invoice")
		}
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	api.WriteData(w, status, invoice)
}

// GetInvoice handles GET /invoices/{publicID}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	invoice, err := h.service.GetInvoice(r.Context(), chi.URLParam(r, "publicID"))
	if err != nil {
		if errors.Is(err, billing.ErrInvoiceNotFound) {
			api.NotFound(w, "invoice not found")
			return
		}
		api.InternalError(w, "failed to load invoice")
		return
	}

	api.WriteData(w, http.StatusOK, invoice)
}

// ListInvoices handles GET /invoices
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := billing.InvoiceStatus(q.Get("status"))
	if status != "" && !status.IsValid() {
		api.BadRequest(w, "unknown invoice status")
		return
	}

	pagination := api.GetPaginationParams(r, 20, 100)
	invoices, total, err := h.service.ListInvoices(r.Context(), billing.ListInvoicesInput{
		PaymentPublicID: q.Get("payment_id"),
		Origin:          q.Get("provider"),
		Status:          status,
		Limit:           pagination.Limit,
		Offset:          pagination.Offset,
	})
	if err != nil {
		if errors.Is(err, billing.ErrPaymentNotFound) {
			api.NotFound(w, "payment not found")
			return
		}
		api.InternalError(w, "failed to list invoices")
		return
	}

	api.WritePaginated(w, invoices, &api.Pagination{
		Limit:   pagination.Limit,
		Offset:  pagination.Offset,
		Total:   total,
		HasMore: int64(pagination.Offset+len(invoices)) < total,
	})
}

// WebhookResponse acknowledges a provider notification
type WebhookResponse struct {
	Received bool   `json:"received"`
	Result   string `json:"result"`
}

// HandleWebhook handles POST /invoices/webhooks/{provider}.
//
// Once the notification is logged the endpoint answers 200 regardless of
// what processing concluded, so providers do not retry deliveries we have
// already captured. 404 is reserved for provider codes we do not serve at
// all, 500 for failing to write the audit log.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		api.BadRequest(w, "unreadable request body")
		return
	}

	outcome, err := h.service.HandleWebhook(r.Context(), provider, r.Header, payload)
	if err != nil {
		if errors.Is(err, billing.ErrMethodNotFound) {
			api.NotFound(w, "unknown webhook provider")
			return
		}
		api.InternalError(w, "failed to record webhook")
		return
	}

	api.WriteData(w, http.StatusOK, WebhookResponse{
		Received: true,
		Result:   string(outcome.Result),
	})
}

// CreatePaymentMethodRequest is the API request for a catalog entry
type CreatePaymentMethodRequest struct {
	Name        string          `json:"name" validate:"required,max=255"`
	Code        string          `json:"code" validate:"required,max=50"`
	Type        string          `json:"type" validate:"required,oneof=traditional crypto"`
	Description string          `json:"description"`
	IconURL     string          `json:"icon_url" validate:"omitempty,url"`
	Config      json.RawMessage `json:"config"`
}

// CreatePaymentMethod handles POST /payment-methods
func (h *Handler) CreatePaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentMethodRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	method, err := h.service.CreatePaymentMethod(r.Context(), billing.CreatePaymentMethodInput{
		Name:        req.Name,
		Code:        req.Code,
		Type:        billing.MethodType(req.Type),
		Description: req.Description,
		IconURL:     req.IconURL,
		Config:      req.Config,
	})
	if err != nil {
		if database.IsUniqueViolation(err) || errors.Is(err, database.ErrAlreadyExists) {
			api.Conflict(w, "payment method with this code already exists")
			return
		}
		api.InternalError(w, "failed to create payment method")
		return
	}

	api.WriteData(w, http.StatusCreated, method)
}

// ListPaymentMethods handles GET /payment-methods
func (h *Handler) ListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	methods, err := h.service.ListPaymentMethods(r.Context(), billing.MethodFilter{
		Type:       billing.MethodType(q.Get("type")),
		ActiveOnly: q.Get("include_inactive") != "true",
	})
	if err != nil {
		api.InternalError(w, "failed to list payment methods")
		return
	}

	if methods == nil {
		methods = []*billing.PaymentMethod{}
	}
	api.WriteData(w, http.StatusOK, methods)
}
