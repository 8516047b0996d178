package billing

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reconcilerFixture wires a service with one provider, one payment and one
// live invoice whose external reference is known to the gateway.
type reconcilerFixture struct {
	svc       *Service
	store     *fakeStore
	publisher *capturingPublisher
	gateway   *fakeGateway
	payment   *Payment
	invoice   *Invoice
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	store := newFakeStore()
	publisher := &capturingPublisher{}
	gw := &fakeGateway{
		code:     "mercadopago",
		charge:   &Charge{ExternalID: "mp-123"},
		verifyOK: true,
		event:    &ProviderEvent{ExternalID: "mp-123", EventType: "payment.approved", Target: InvoicePaid},
	}
	svc := newTestService(store, publisher, gw)
	seedMethod(t, svc, "mercadopago", MethodTraditional)
	payment := seedPayment(t, svc)

	inv, _, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PaymentPublicID: payment.PublicID,
		Provider:        "mercadopago",
	})
	require.NoError(t, err)

	return &reconcilerFixture{
		svc:       svc,
		store:     store,
		publisher: publisher,
		gateway:   gw,
		payment:   payment,
		invoice:   inv,
	}
}

func (f *reconcilerFixture) deliver(t *testing.T) *WebhookOutcome {
	t.Helper()
	outcome, err := f.svc.HandleWebhook(context.Background(), "mercadopago", http.Header{}, []byte(`{}`))
	require.NoError(t, err)
	return outcome
}

func TestHandleWebhookSettlesInvoiceAndPayment(t *testing.T) {
	f := newReconcilerFixture(t)

	outcome := f.deliver(t)
	assert.Equal(t, WebhookApplied, outcome.Result)
	assert.Equal(t, f.invoice.PublicID, outcome.InvoicePublicID)

	inv := f.store.invoiceByID(f.invoice.ID)
	assert.Equal(t, InvoicePaid, inv.Status)
	require.NotNil(t, inv.PaidAt)

	payment, err := f.store.GetPaymentByID(context.Background(), f.payment.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, payment.Status)
	require.NotNil(t, payment.PaidAt)

	log := f.store.webhookLog(outcome.LogID)
	require.NotNil(t, log)
	assert.True(t, log.Processed)
	assert.Equal(t, "payment.approved", log.EventType)
	assert.Empty(t, log.ErrorMessage)

	subjects := f.publisher.subjects()
	assert.Contains(t, subjects, SubjectInvoicePaid)
	assert.Contains(t, subjects, SubjectPaymentPaid)
}

func TestHandleWebhookDuplicateDeliveryIsNoOp(t *testing.T) {
	f := newReconcilerFixture(t)

	first := f.deliver(t)
	require.Equal(t, WebhookApplied, first.Result)
	paidSubjects := len(f.publisher.subjects())

	second := f.deliver(t)
	assert.Equal(t, WebhookDuplicate, second.Result)

	inv := f.store.invoiceByID(f.invoice.ID)
	assert.Equal(t, InvoicePaid, inv.Status)
	assert.Len(t, f.publisher.subjects(), paidSubjects, "a replay must not re-emit events")
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	f := newReconcilerFixture(t)
	f.gateway.verifyOK = false

	outcome := f.deliver(t)
	assert.Equal(t, WebhookRejected, outcome.Result)
	assert.Contains(t, outcome.Detail, "signature verification failed")

	// The delivery is still captured in the audit log.
	log := f.store.webhookLog(outcome.LogID)
	require.NotNil(t, log)
	assert.True(t, log.Processed)
	assert.Contains(t, log.ErrorMessage, "signature verification failed")

	// And nothing moved.
	assert.Equal(t, InvoicePending, f.store.invoiceByID(f.invoice.ID).Status)
}

func TestHandleWebhookUnknownReferenceIsIgnored(t *testing.T) {
	f := newReconcilerFixture(t)
	f.gateway.event = &ProviderEvent{ExternalID: "never-issued", EventType: "payment.approved", Target: InvoicePaid}

	outcome := f.deliver(t)
	assert.Equal(t, WebhookIgnored, outcome.Result)
	assert.Contains(t, outcome.Detail, "never-issued")
	assert.Equal(t, InvoicePending, f.store.invoiceByID(f.invoice.ID).Status)
}

func TestHandleWebhookInformationalEventIsIgnored(t *testing.T) {
	f := newReconcilerFixture(t)
	f.gateway.event = &ProviderEvent{ExternalID: "mp-123", EventType: "payment.created"}

	outcome := f.deliver(t)
	assert.Equal(t, WebhookIgnored, outcome.Result)
	assert.Equal(t, InvoicePending, f.store.invoiceByID(f.invoice.ID).Status)

	log := f.store.webhookLog(outcome.LogID)
	require.NotNil(t, log)
	assert.Equal(t, "payment.created", log.EventType)
}

func TestHandleWebhookConflictingTransitionIsRecorded(t *testing.T) {
	f := newReconcilerFixture(t)

	// The invoice expires before the settlement notification arrives.
	applied, err := f.store.TransitionInvoice(context.Background(), f.invoice.ID, InvoicePending, InvoiceExpired, InvoiceChange{})
	require.NoError(t, err)
	require.True(t, applied)

	outcome := f.deliver(t)
	assert.Equal(t, WebhookConflict, outcome.Result)
	assert.Contains(t, outcome.Detail, string(InvoiceExpired))

	// Terminal status stands; the payment stays open for another attempt.
	assert.Equal(t, InvoiceExpired, f.store.invoiceByID(f.invoice.ID).Status)
	payment, err := f.store.GetPaymentByID(context.Background(), f.payment.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, payment.Status)

	log := f.store.webhookLog(outcome.LogID)
	require.NotNil(t, log)
	assert.Contains(t, log.ErrorMessage, "inconsistent invoice transition")
}

func TestHandleWebhookFailureEventKeepsPaymentOpen(t *testing.T) {
	f := newReconcilerFixture(t)
	f.gateway.event = &ProviderEvent{ExternalID: "mp-123", EventType: "payment.rejected", Target: InvoiceFailed}

	outcome := f.deliver(t)
	assert.Equal(t, WebhookApplied, outcome.Result)
	assert.Equal(t, InvoiceFailed, f.store.invoiceByID(f.invoice.ID).Status)

	payment, err := f.store.GetPaymentByID(context.Background(), f.payment.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, payment.Status, "a failed collection never settles the payment")
}

func TestHandleWebhookDoesNotRevertReviewedPayment(t *testing.T) {
	f := newReconcilerFixture(t)

	// The landlord approves the payment out of band before the provider
	// notification lands.
	applied, err := f.store.SetPaymentStatus(context.Background(), f.payment.ID, []PaymentStatus{PaymentPending}, PaymentApproved, nil)
	require.NoError(t, err)
	require.True(t, applied)

	outcome := f.deliver(t)
	assert.Equal(t, WebhookApplied, outcome.Result)
	assert.Equal(t, InvoicePaid, f.store.invoiceByID(f.invoice.ID).Status)

	payment, err := f.store.GetPaymentByID(context.Background(), f.payment.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentApproved, payment.Status, "reviewed payments are never silently changed")
}

func TestHandleWebhookUnknownProvider(t *testing.T) {
	f := newReconcilerFixture(t)

	_, err := f.svc.HandleWebhook(context.Background(), "paypal", http.Header{}, []byte(`{}`))
	assert.ErrorIs(t, err, ErrMethodNotFound)
}
