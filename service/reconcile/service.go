package reconcile

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/landsendsolo/junkshop-live/kafka"
	"github.com/landsendsolo/junkshop-live/model"
	"github.com/prometheus/client_golang/prometheus"
)

var outcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "payment_outcomes_total",
		Help: "Outcome notifications by reconciliation result",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(outcomesTotal)
}

type IService interface {
	ApplyOutcome(ctx context.Context, n Notification) error
	RelayPaidEvents(ctx context.Context, limit int) error
}

func NewService(repo IRepo, producer kafka.IProducer) IService {
	return &service{
		repo:     repo,
		producer: producer,
		now:      time.Now,
	}
}

type service struct {
	repo     IRepo
	producer kafka.IProducer
	now      func() time.Time
}

// ApplyOutcome applies one outcome notification to the order keyed by its
// checkout reference. The gateway retries on timeout and redelivers after
// transient failures, so terminal states absorb any repeat as a successful
// no-op. Whichever outcome commits first wins; the engine never reconciles
// conflicting outcomes after the fact.
func (s service) ApplyOutcome(ctx context.Context, n Notification) error {
	if n.Reference == "" || n.RawStatus == "" {
		return ErrMalformedNotification
	}

	return s.repo.Transact(ctx, func(ctx context.Context) error {
		order, err := s.repo.GetOrderByCheckoutRef(ctx, n.Reference)
		if err != nil {
			return err
		}

		if order.Status.Terminal() {
			log.Printf("duplicate notification for order %d (status %s), acknowledging", order.ID, order.Status)
			outcomesTotal.WithLabelValues("duplicate").Inc()
			return nil
		}

		switch n.Outcome {
		case OutcomeSuccess:
			return s.applyPaid(ctx, order)
		case OutcomeFailure:
			err := s.repo.MarkOrderFailed(ctx, order.ID, s.now())
			if err != nil {
				return err
			}
			log.Printf("order %d marked as payment failed", order.ID)
			outcomesTotal.WithLabelValues("failed").Inc()
			return nil
		default:
			log.Printf("unrecognized gateway status %q for order %d, acknowledging without change", n.RawStatus, order.ID)
			outcomesTotal.WithLabelValues("ignored").Inc()
			return nil
		}
	})
}

// applyPaid commits the order transition, the item retirement and the
// confirmation event together or not at all.
func (s service) applyPaid(ctx context.Context, order model.Order) error {
	itemIDs, err := s.repo.ListOrderItemIDs(ctx, order.ID)
	if err != nil {
		return err
	}

	paidAt := s.now()
	err = s.repo.MarkOrderPaid(ctx, order.ID, paidAt)
	if err != nil {
		return err
	}

	err = s.repo.RetireItems(ctx, itemIDs)
	if err != nil {
		return err
	}

	content, err := json.Marshal(OrderPaidEvent{
		OrderID:     order.ID,
		CheckoutRef: order.CheckoutRef.String,
		ItemIDs:     itemIDs,
		PaidAt:      paidAt,
	})
	if err != nil {
		return err
	}

	err = s.repo.CreateOutbox(ctx, model.Outbox{Content: content})
	if err != nil {
		return err
	}

	log.Printf("order %d marked as paid, %d items retired", order.ID, len(itemIDs))
	outcomesTotal.WithLabelValues("paid").Inc()
	return nil
}

// RelayPaidEvents pushes pending confirmation events to Kafka for the
// mailer pipeline and marks them done.
func (s service) RelayPaidEvents(ctx context.Context, limit int) error {
	outboxes, err := s.repo.GetPendingOutbox(ctx, limit)
	if err != nil {
		return err
	}
	if len(outboxes) == 0 {
		return nil
	}

	err = s.producer.Push(extractContents(outboxes))
	if err != nil {
		return err
	}

	return s.repo.MarkDoneOutboxes(ctx, extractIDs(outboxes))
}

func extractIDs(outboxes []model.Outbox) []int64 {
	var res []int64
	for _, outbox := range outboxes {
		res = append(res, outbox.ID)
	}
	return res
}

func extractContents(outboxes []model.Outbox) [][]byte {
	var res [][]byte
	for _, outbox := range outboxes {
		res = append(res, outbox.Content)
	}
	return res
}
