package model

import "database/sql"

type ItemStatus string

const (
	ItemAvailable ItemStatus = "available"
	ItemSold      ItemStatus = "sold"
)

// Item is a single one-off catalog entry. Items are never restocked:
// status only ever moves available -> sold.
type Item struct {
	ID         int64        `db:"id"`
	Name       string       `db:"name"`
	PricePence int64        `db:"price_pence"`
	Status     ItemStatus   `db:"status"`
	CreatedAt  sql.NullTime `db:"created_at"`
	UpdatedAt  sql.NullTime `db:"updated_at"`
}
