package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/landsendsolo/junkshop-live/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepo implements IRepo in memory. Transact holds a mutex for the whole
// closure and restores a snapshot on error, which mirrors the serializable
// row-locked transaction the MySQL repo provides.
type fakeRepo struct {
	mu         sync.Mutex
	orders     map[int64]model.Order
	orderItems map[int64][]int64
	items      map[int64]model.ItemStatus
	outbox     []model.Outbox
	nextOutbox int64

	failRetire bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		orders:     make(map[int64]model.Order),
		orderItems: make(map[int64][]int64),
		items:      make(map[int64]model.ItemStatus),
	}
}

func (f *fakeRepo) addOrder(id int64, ref string, itemIDs []int64) {
	f.orders[id] = model.Order{
		ID:          id,
		CheckoutRef: sql.NullString{String: ref, Valid: true},
		Status:      model.OrderPending,
	}
	f.orderItems[id] = itemIDs
	for _, itemID := range itemIDs {
		f.items[itemID] = model.ItemAvailable
	}
}

func (f *fakeRepo) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ordersSnap := make(map[int64]model.Order, len(f.orders))
	for k, v := range f.orders {
		ordersSnap[k] = v
	}
	itemsSnap := make(map[int64]model.ItemStatus, len(f.items))
	for k, v := range f.items {
		itemsSnap[k] = v
	}
	outboxSnap := append([]model.Outbox(nil), f.outbox...)

	err := fn(ctx)
	if err != nil {
		f.orders = ordersSnap
		f.items = itemsSnap
		f.outbox = outboxSnap
		return err
	}
	return nil
}

func (f *fakeRepo) GetOrderByCheckoutRef(ctx context.Context, ref string) (model.Order, error) {
	for _, order := range f.orders {
		if order.CheckoutRef.Valid && order.CheckoutRef.String == ref {
			return order, nil
		}
	}
	return model.Order{}, ErrOrderNotFound
}

func (f *fakeRepo) ListOrderItemIDs(ctx context.Context, orderID int64) ([]int64, error) {
	return f.orderItems[orderID], nil
}

func (f *fakeRepo) MarkOrderPaid(ctx context.Context, orderID int64, paidAt time.Time) error {
	order := f.orders[orderID]
	if order.Status != model.OrderPending {
		return errors.New("order was not pending")
	}
	order.Status = model.OrderPaid
	order.PaidAt = sql.NullTime{Time: paidAt, Valid: true}
	f.orders[orderID] = order
	return nil
}

func (f *fakeRepo) MarkOrderFailed(ctx context.Context, orderID int64, failedAt time.Time) error {
	order := f.orders[orderID]
	if order.Status != model.OrderPending {
		return errors.New("order was not pending")
	}
	order.Status = model.OrderPaymentFailed
	order.FailedAt = sql.NullTime{Time: failedAt, Valid: true}
	f.orders[orderID] = order
	return nil
}

func (f *fakeRepo) RetireItems(ctx context.Context, itemIDs []int64) error {
	if f.failRetire {
		return errors.New("injected storage failure")
	}
	for _, id := range itemIDs {
		f.items[id] = model.ItemSold
	}
	return nil
}

func (f *fakeRepo) CreateOutbox(ctx context.Context, outbox model.Outbox) error {
	f.nextOutbox++
	outbox.ID = f.nextOutbox
	f.outbox = append(f.outbox, outbox)
	return nil
}

func (f *fakeRepo) GetPendingOutbox(ctx context.Context, limit int) ([]model.Outbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []model.Outbox
	for _, outbox := range f.outbox {
		if outbox.Status == model.OutboxCompleted {
			continue
		}
		res = append(res, outbox)
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

func (f *fakeRepo) MarkDoneOutboxes(ctx context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, outbox := range f.outbox {
		for _, id := range ids {
			if outbox.ID == id {
				f.outbox[i].Status = model.OutboxCompleted
			}
		}
	}
	return nil
}

type fakeProducer struct {
	mu     sync.Mutex
	pushed [][]byte
}

func (p *fakeProducer) Push(messages [][]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, messages...)
	return nil
}

func newTestService(repo IRepo, at time.Time) service {
	return service{
		repo:     repo,
		producer: &fakeProducer{},
		now:      func() time.Time { return at },
	}
}

func Test_ApplyOutcome_PaidThenDuplicate(t *testing.T) {
	repo := newFakeRepo()
	repo.addOrder(1, "S1", []int64{10, 11})
	paidAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(repo, paidAt)

	ctx := context.Background()
	n := Notification{Reference: "S1", Outcome: OutcomeSuccess, RawStatus: "PAID"}

	err := svc.ApplyOutcome(ctx, n)
	require.NoError(t, err)

	order := repo.orders[1]
	assert.Equal(t, model.OrderPaid, order.Status)
	assert.Equal(t, paidAt, order.PaidAt.Time)
	assert.Equal(t, model.ItemSold, repo.items[10])
	assert.Equal(t, model.ItemSold, repo.items[11])
	require.Len(t, repo.outbox, 1)

	var event OrderPaidEvent
	require.NoError(t, json.Unmarshal(repo.outbox[0].Content, &event))
	assert.Equal(t, int64(1), event.OrderID)
	assert.Equal(t, "S1", event.CheckoutRef)
	assert.Equal(t, []int64{10, 11}, event.ItemIDs)

	// Redelivery of the same outcome is a successful no-op.
	later := newTestService(repo, paidAt.Add(time.Hour))
	err = later.ApplyOutcome(ctx, n)
	require.NoError(t, err)

	assert.Equal(t, paidAt, repo.orders[1].PaidAt.Time)
	assert.Len(t, repo.outbox, 1)
}

func Test_ApplyOutcome_Failure(t *testing.T) {
	repo := newFakeRepo()
	repo.addOrder(1, "S1", []int64{10})
	failedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(repo, failedAt)

	err := svc.ApplyOutcome(context.Background(), Notification{
		Reference: "S1", Outcome: OutcomeFailure, RawStatus: "FAILED",
	})
	require.NoError(t, err)

	order := repo.orders[1]
	assert.Equal(t, model.OrderPaymentFailed, order.Status)
	assert.Equal(t, failedAt, order.FailedAt.Time)
	assert.False(t, order.PaidAt.Valid)
	assert.Equal(t, model.ItemAvailable, repo.items[10], "failed payment must not retire items")
	assert.Empty(t, repo.outbox)
}

func Test_ApplyOutcome_TerminalStatesAreExclusive(t *testing.T) {
	ctx := context.Background()
	success := Notification{Reference: "S1", Outcome: OutcomeSuccess, RawStatus: "PAID"}
	failure := Notification{Reference: "S1", Outcome: OutcomeFailure, RawStatus: "FAILED"}

	t.Run("success first wins", func(t *testing.T) {
		repo := newFakeRepo()
		repo.addOrder(1, "S1", []int64{10})
		svc := newTestService(repo, time.Now())

		require.NoError(t, svc.ApplyOutcome(ctx, success))
		require.NoError(t, svc.ApplyOutcome(ctx, failure))

		order := repo.orders[1]
		assert.Equal(t, model.OrderPaid, order.Status)
		assert.False(t, order.FailedAt.Valid)
	})

	t.Run("failure first wins", func(t *testing.T) {
		repo := newFakeRepo()
		repo.addOrder(1, "S1", []int64{10})
		svc := newTestService(repo, time.Now())

		require.NoError(t, svc.ApplyOutcome(ctx, failure))
		require.NoError(t, svc.ApplyOutcome(ctx, success))

		order := repo.orders[1]
		assert.Equal(t, model.OrderPaymentFailed, order.Status)
		assert.False(t, order.PaidAt.Valid)
		assert.Equal(t, model.ItemAvailable, repo.items[10])
		assert.Empty(t, repo.outbox)
	})
}

func Test_ApplyOutcome_UnknownReference(t *testing.T) {
	repo := newFakeRepo()
	repo.addOrder(1, "S1", []int64{10})
	svc := newTestService(repo, time.Now())

	err := svc.ApplyOutcome(context.Background(), Notification{
		Reference: "nonexistent-ref", Outcome: OutcomeSuccess, RawStatus: "PAID",
	})
	require.ErrorIs(t, err, ErrOrderNotFound)

	assert.Equal(t, model.OrderPending, repo.orders[1].Status)
	assert.Equal(t, model.ItemAvailable, repo.items[10])
}

func Test_ApplyOutcome_Malformed(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, time.Now())

	err := svc.ApplyOutcome(context.Background(), Notification{Reference: "", RawStatus: "PAID"})
	require.ErrorIs(t, err, ErrMalformedNotification)

	err = svc.ApplyOutcome(context.Background(), Notification{Reference: "S1", RawStatus: ""})
	require.ErrorIs(t, err, ErrMalformedNotification)
}

func Test_ApplyOutcome_UnrecognizedStatus(t *testing.T) {
	repo := newFakeRepo()
	repo.addOrder(1, "S1", []int64{10})
	svc := newTestService(repo, time.Now())

	err := svc.ApplyOutcome(context.Background(), Notification{
		Reference: "S1", Outcome: OutcomeUnknown, RawStatus: "PENDING",
	})
	require.NoError(t, err, "unknown statuses are acknowledged, not rejected")

	assert.Equal(t, model.OrderPending, repo.orders[1].Status)
	assert.Equal(t, model.ItemAvailable, repo.items[10])
}

func Test_ApplyOutcome_ConcurrentDuplicates(t *testing.T) {
	repo := newFakeRepo()
	repo.addOrder(1, "S1", []int64{10, 11})
	paidAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(repo, paidAt)

	n := Notification{Reference: "S1", Outcome: OutcomeSuccess, RawStatus: "PAID"}
	const deliveries = 10

	var wg sync.WaitGroup
	errs := make([]error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.ApplyOutcome(context.Background(), n)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoErrorf(t, err, "delivery %d", i)
	}

	order := repo.orders[1]
	assert.Equal(t, model.OrderPaid, order.Status)
	assert.Equal(t, paidAt, order.PaidAt.Time)
	assert.Equal(t, model.ItemSold, repo.items[10])
	assert.Equal(t, model.ItemSold, repo.items[11])
	assert.Len(t, repo.outbox, 1, "exactly one logical transition")
}

func Test_ApplyOutcome_AtomicOnRetireFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.addOrder(1, "S1", []int64{10})
	repo.failRetire = true
	svc := newTestService(repo, time.Now())

	n := Notification{Reference: "S1", Outcome: OutcomeSuccess, RawStatus: "PAID"}
	err := svc.ApplyOutcome(context.Background(), n)
	require.Error(t, err)

	order := repo.orders[1]
	assert.Equal(t, model.OrderPending, order.Status, "failed transition must roll back the order write")
	assert.False(t, order.PaidAt.Valid)
	assert.Equal(t, model.ItemAvailable, repo.items[10])
	assert.Empty(t, repo.outbox)

	// Redelivery succeeds once the fault clears.
	repo.failRetire = false
	require.NoError(t, svc.ApplyOutcome(context.Background(), n))
	assert.Equal(t, model.OrderPaid, repo.orders[1].Status)
	assert.Equal(t, model.ItemSold, repo.items[10])
}

func Test_RelayPaidEvents(t *testing.T) {
	repo := newFakeRepo()
	repo.addOrder(1, "S1", []int64{10})
	producer := &fakeProducer{}
	svc := service{repo: repo, producer: producer, now: time.Now}

	ctx := context.Background()
	require.NoError(t, svc.ApplyOutcome(ctx, Notification{
		Reference: "S1", Outcome: OutcomeSuccess, RawStatus: "PAID",
	}))

	require.NoError(t, svc.RelayPaidEvents(ctx, 10))
	require.Len(t, producer.pushed, 1)

	var event OrderPaidEvent
	require.NoError(t, json.Unmarshal(producer.pushed[0], &event))
	assert.Equal(t, int64(1), event.OrderID)

	// A second relay finds nothing pending.
	require.NoError(t, svc.RelayPaidEvents(ctx, 10))
	assert.Len(t, producer.pushed, 1)
}
