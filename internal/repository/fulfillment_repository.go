package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// FulfillmentRepository is a local idempotency ledger keyed by payment
// session id. Webhook delivery is at-least-once; claiming the id before
// placing an order guarantees a duplicate event never fulfills twice.
type FulfillmentRepository struct {
	db *sql.DB
}

func NewFulfillmentRepository(db *sql.DB) *FulfillmentRepository {
	return &FulfillmentRepository{db: db}
}

// Claim records the payment session id as in-flight. Returns false when the
// id was already claimed by an earlier delivery of the same event.
func (r *FulfillmentRepository) Claim(ctx context.Context, paymentSessionID string) (bool, error) {
	const query = `INSERT IGNORE INTO fulfillment_events (payment_session_id, status) VALUES (?, 'processing')`
	res, err := r.db.ExecContext(ctx, query, paymentSessionID)
	if err != nil {
		return false, fmt.Errorf("claim fulfillment event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *FulfillmentRepository) MarkCompleted(ctx context.Context, paymentSessionID, orderRef string) error {
	const query = `UPDATE fulfillment_events SET status = 'completed', order_ref = ?, updated_at = NOW() WHERE payment_session_id = ?`
	if _, err := r.db.ExecContext(ctx, query, orderRef, paymentSessionID); err != nil {
		return fmt.Errorf("mark fulfillment completed: %w", err)
	}
	return nil
}

func (r *FulfillmentRepository) MarkFailed(ctx context.Context, paymentSessionID, detail string) error {
	const query = `UPDATE fulfillment_events SET status = 'failed', detail = ?, updated_at = NOW() WHERE payment_session_id = ?`
	if _, err := r.db.ExecContext(ctx, query, detail, paymentSessionID); err != nil {
		return fmt.Errorf("mark fulfillment failed: %w", err)
	}
	return nil
}

// Release drops a claim after a transient failure so the provider's next
// redelivery of the event can retry the order.
func (r *FulfillmentRepository) Release(ctx context.Context, paymentSessionID string) error {
	const query = `DELETE FROM fulfillment_events WHERE payment_session_id = ? AND status = 'processing'`
	if _, err := r.db.ExecContext(ctx, query, paymentSessionID); err != nil {
		return fmt.Errorf("release fulfillment claim: %w", err)
	}
	return nil
}
