package model

import "database/sql"

type OrderStatus string

const (
	OrderPending       OrderStatus = "pending"
	OrderPaid          OrderStatus = "paid"
	OrderPaymentFailed OrderStatus = "payment_failed"
)

// Terminal reports whether no further transition is permitted from s.
func (s OrderStatus) Terminal() bool {
	return s == OrderPaid || s == OrderPaymentFailed
}

type Order struct {
	ID          int64          `db:"id"`
	CheckoutRef sql.NullString `db:"checkout_ref"`
	Status      OrderStatus    `db:"status"`
	PaidAt      sql.NullTime   `db:"paid_at"`
	FailedAt    sql.NullTime   `db:"failed_at"`
	CreatedAt   sql.NullTime   `db:"created_at"`
	UpdatedAt   sql.NullTime   `db:"updated_at"`
}
