package reconcile

import "time"

// OrderPaidEvent is written to the outbox in the same transaction as the
// paid transition and relayed to Kafka for the confirmation mailer.
type OrderPaidEvent struct {
	OrderID     int64     `json:"order_id"`
	CheckoutRef string    `json:"checkout_ref"`
	ItemIDs     []int64   `json:"item_ids"`
	PaidAt      time.Time `json:"paid_at"`
}
