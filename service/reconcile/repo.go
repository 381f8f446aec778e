package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/landsendsolo/junkshop-live/model"
)

// IRepo is the engine's view of the order/item store. Everything called
// inside Transact joins the same database transaction, which is the sole
// synchronization primitive between concurrent deliveries.
type IRepo interface {
	Transact(ctx context.Context, fn func(ctx context.Context) error) error
	GetOrderByCheckoutRef(ctx context.Context, ref string) (model.Order, error)
	ListOrderItemIDs(ctx context.Context, orderID int64) ([]int64, error)
	MarkOrderPaid(ctx context.Context, orderID int64, paidAt time.Time) error
	MarkOrderFailed(ctx context.Context, orderID int64, failedAt time.Time) error
	RetireItems(ctx context.Context, itemIDs []int64) error
	CreateOutbox(ctx context.Context, outbox model.Outbox) error
	GetPendingOutbox(ctx context.Context, limit int) ([]model.Outbox, error)
	MarkDoneOutboxes(ctx context.Context, ids []int64) error
}

func NewRepo(db *sqlx.DB) IRepo {
	return &repo{
		db: db,
	}
}

type repo struct {
	db *sqlx.DB
}

type txKey struct{}

// ext returns the transaction bound into ctx by Transact, or the bare
// connection outside one.
func (r repo) ext(ctx context.Context) sqlx.ExtContext {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return r.db
}

func (r repo) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		} else if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = fn(context.WithValue(ctx, txKey{}, tx))
	if err != nil {
		return err
	}
	return tx.Commit()
}

// FOR UPDATE holds the row until the surrounding transaction commits, so
// the terminal-status check and the conditional write form one atomic unit.
var getOrderForUpdateQuery = "SELECT * FROM orders WHERE checkout_ref = ? FOR UPDATE"

func (r repo) GetOrderByCheckoutRef(ctx context.Context, ref string) (model.Order, error) {
	var res model.Order
	err := sqlx.GetContext(ctx, r.ext(ctx), &res, getOrderForUpdateQuery, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, ErrOrderNotFound
	}
	return res, err
}

var listOrderItemIDsQuery = "SELECT item_id FROM order_items WHERE order_id = ? ORDER BY id"

func (r repo) ListOrderItemIDs(ctx context.Context, orderID int64) ([]int64, error) {
	var res []int64
	err := sqlx.SelectContext(ctx, r.ext(ctx), &res, listOrderItemIDsQuery, orderID)
	return res, err
}

var markOrderPaidQuery = "UPDATE orders SET status = ?, paid_at = ? WHERE id = ? AND status = ?"

func (r repo) MarkOrderPaid(ctx context.Context, orderID int64, paidAt time.Time) error {
	res, err := r.ext(ctx).ExecContext(ctx, markOrderPaidQuery,
		model.OrderPaid, paidAt, orderID, model.OrderPending)
	if err != nil {
		return err
	}
	return requireOneRow(res, orderID)
}

var markOrderFailedQuery = "UPDATE orders SET status = ?, failed_at = ? WHERE id = ? AND status = ?"

func (r repo) MarkOrderFailed(ctx context.Context, orderID int64, failedAt time.Time) error {
	res, err := r.ext(ctx).ExecContext(ctx, markOrderFailedQuery,
		model.OrderPaymentFailed, failedAt, orderID, model.OrderPending)
	if err != nil {
		return err
	}
	return requireOneRow(res, orderID)
}

// requireOneRow guards the pending -> terminal transition. Zero rows means
// the order was not pending, which the engine rules out under the row lock.
func requireOneRow(res sql.Result, orderID int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("order %d was not pending", orderID)
	}
	return nil
}

var retireItemsQuery = "UPDATE items SET status = ? WHERE id IN (?)"

func (r repo) RetireItems(ctx context.Context, itemIDs []int64) error {
	if len(itemIDs) == 0 {
		return nil
	}

	query, args, err := sqlx.In(retireItemsQuery, model.ItemSold, itemIDs)
	if err != nil {
		return err
	}

	_, err = r.ext(ctx).ExecContext(ctx, query, args...)
	return err
}

var createOutboxQuery = "INSERT INTO paid_outboxes(content) VALUES (:content)"

func (r repo) CreateOutbox(ctx context.Context, outbox model.Outbox) error {
	_, err := sqlx.NamedExecContext(ctx, r.ext(ctx), createOutboxQuery, outbox)
	return err
}

var getPendingOutboxQuery = "SELECT * FROM paid_outboxes WHERE status = ? LIMIT ?"

func (r repo) GetPendingOutbox(ctx context.Context, limit int) ([]model.Outbox, error) {
	var res []model.Outbox
	err := sqlx.SelectContext(ctx, r.ext(ctx), &res, getPendingOutboxQuery, model.OutboxPending, limit)
	return res, err
}

var markDoneOutboxesQuery = "UPDATE paid_outboxes SET status = ? WHERE id IN (?)"

func (r repo) MarkDoneOutboxes(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sqlx.In(markDoneOutboxesQuery, model.OutboxCompleted, ids)
	if err != nil {
		return err
	}

	_, err = r.ext(ctx).ExecContext(ctx, query, args...)
	return err
}
