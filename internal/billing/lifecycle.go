package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Payment status control. An invoice being PAID marks the payment paid;
// a landlord-side review then approves or rejects it. Approval and
// rejection are terminal.

// markPaymentPaid moves a payment from pending to paid when one of its
// invoices settles. The guard on pending means a payment already reviewed
// (approved or rejected) is never silently reverted by a late webhook.
func (s *Service) markPaymentPaid(ctx context.Context, paymentID string, paidAt time.Time) (bool, error) {
	applied, err := s.store.SetPaymentStatus(ctx, paymentID, []PaymentStatus{PaymentPending}, PaymentPaid, &paidAt)
	if err != nil {
		return false, fmt.Errorf("marking payment paid: %w", err)
	}
	return applied, nil
}

// ApprovePayment marks a payment as reviewed and accepted.
func (s *Service) ApprovePayment(ctx context.Context, publicID string) (*Payment, error) {
	return s.reviewPayment(ctx, publicID, PaymentApproved)
}

// RejectPayment marks a payment as reviewed and refused.
func (s *Service) RejectPayment(ctx context.Context, publicID string) (*Payment, error) {
	return s.reviewPayment(ctx, publicID, PaymentRejected)
}

func (s *Service) reviewPayment(ctx context.Context, publicID string, to PaymentStatus) (*Payment, error) {
	payment, err := s.store.GetPayment(ctx, publicID)
	if err != nil {
		return nil, err
	}

	if payment.Status == to {
		return payment, nil
	}

	applied, err := s.store.SetPaymentStatus(ctx, payment.ID, []PaymentStatus{PaymentPending, PaymentPaid}, to, nil)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("payment %s is %s, cannot become %s: %w",
			payment.PublicID, payment.Status, to, ErrInconsistentTransition)
	}

	payment.Status = to
	s.logger.Info("payment reviewed",
		slog.String("payment_id", payment.PublicID),
		slog.String("status", string(to)),
	)
	return payment, nil
}
