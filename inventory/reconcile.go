package inventory

import (
	"context"
	log "log/slog"
	"time"

	"github.com/sharedcode/flashsale"
)

// ReconciliationEvent records a known or suspected discrepancy between the
// admission counters and the durable stock. Safety does not depend on the
// event being processed: the durable counter is the source of truth for how
// much was actually sold, the event only restores the admission cache.
type ReconciliationEvent struct {
	ProductID string    `json:"product_id"`
	Reason    string    `json:"reason"`
	Quantity  int64     `json:"quantity"`
	At        time.Time `json:"at"`
}

// ReconciliationSink receives reconciliation events. Implementations must be
// safe for concurrent use. See aws_s3.ReportSink for a durable sink.
type ReconciliationSink interface {
	Record(ctx context.Context, ev ReconciliationEvent) error
}

// LogSink is the default sink: it only logs the event. Suitable when an
// external reconciler polls the durable store instead of consuming events.
type LogSink struct{}

func (LogSink) Record(ctx context.Context, ev ReconciliationEvent) error {
	log.Warn("reconciliation needed", "product", ev.ProductID, "reason", ev.Reason, "quantity", ev.Quantity)
	return nil
}

// Reconciler aligns the admission counters with the durable stock.
type Reconciler struct {
	stock *Stock
	repo  flashsale.Repository
}

func NewReconciler(nodes []flashsale.Node, nodeTimeout time.Duration, repo flashsale.Repository) *Reconciler {
	return &Reconciler{
		stock: NewStock(nodes, nodeTimeout),
		repo:  repo,
	}
}

// Reconcile reads the durable stock of the product and forces every node's
// counter to it. Run this only while the product's sale lock is quiesced or
// held, otherwise an in-flight reservation can be double counted.
func (r *Reconciler) Reconcile(ctx context.Context, productID string) error {
	durable, err := r.repo.GetStock(ctx, productID)
	if err != nil {
		return err
	}
	if err := r.stock.Overwrite(ctx, productID, durable); err != nil {
		return err
	}
	log.Info("stock reconciled to durable counter", "product", productID, "stock", durable)
	return nil
}
