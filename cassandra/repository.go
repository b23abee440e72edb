package cassandra

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/gocql/gocql"

	"github.com/sharedcode/flashsale"
)

type repository struct{}

// NewRepository returns the Cassandra backed persistence collaborator.
// OpenConnection must have been called.
func NewRepository() flashsale.Repository {
	return &repository{}
}

// GetProduct fetches a product by ID. Returns nil (and nil error) when missing.
func (r *repository) GetProduct(ctx context.Context, id string) (*flashsale.Product, error) {
	if connection == nil {
		return nil, fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	qry := fmt.Sprintf("SELECT name, des, price, initial_stock, stock, ts FROM %s.products WHERE id = ?;", connection.Config.Keyspace)
	var p flashsale.Product
	var ts int64
	if err := connection.Session.Query(qry, id).WithContext(ctx).Scan(
		&p.Name, &p.Description, &p.Price, &p.InitialStock, &p.Stock, &ts); err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	p.ID = id
	p.CreatedAt = time.UnixMilli(ts)
	return &p, nil
}

// AddProduct inserts the product record if no record with the ID exists yet.
func (r *repository) AddProduct(ctx context.Context, p *flashsale.Product) error {
	if connection == nil {
		return fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	qry := fmt.Sprintf("INSERT INTO %s.products (id, name, des, price, initial_stock, stock, ts) VALUES(?,?,?,?,?,?,?) IF NOT EXISTS;", connection.Config.Keyspace)
	applied, err := connection.Session.Query(qry,
		p.ID, p.Name, p.Description, p.Price, p.InitialStock, p.Stock, p.CreatedAt.UnixMilli()).
		WithContext(ctx).ScanCAS()
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("product %s already exists", p.ID)
	}
	return nil
}

// RecordPurchase writes the purchase and updates the durable stock as one
// unit. Cassandra cannot decrement a regular column server side, so the stock
// update is a compare-and-set (lightweight transaction); the purchase row is
// written only after the CAS applied, and a failed purchase write adds the
// stock back through the same CAS path. The per-product sale lock held by the
// coordinator keeps CAS contention to recovery scenarios.
func (r *repository) RecordPurchase(ctx context.Context, p *flashsale.Purchase) error {
	if connection == nil {
		return fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	if err := r.adjustStock(ctx, p.ProductID, -p.Quantity); err != nil {
		return err
	}

	qry := fmt.Sprintf("INSERT INTO %s.purchases (id, product_id, user_id, quantity, total_price, ts) VALUES(?,?,?,?,?,?);", connection.Config.Keyspace)
	if err := connection.Session.Query(qry,
		gocql.UUID(p.ID), p.ProductID, p.UserID, p.Quantity, p.TotalPrice, p.PurchasedAt.UnixMilli()).
		WithContext(ctx).Exec(); err != nil {
		// Add the stock back; the purchase did not happen.
		if rerr := r.adjustStock(ctx, p.ProductID, p.Quantity); rerr != nil {
			log.Error("failed restoring durable stock after purchase write failure",
				"product", p.ProductID, "quantity", p.Quantity, "error", rerr)
		}
		return err
	}
	return nil
}

// adjustStock applies a delta to the durable stock via a CAS loop. A negative
// delta is refused when it would take the stock below zero.
func (r *repository) adjustStock(ctx context.Context, productID string, delta int64) error {
	readQry := fmt.Sprintf("SELECT stock FROM %s.products WHERE id = ?;", connection.Config.Keyspace)
	casQry := fmt.Sprintf("UPDATE %s.products SET stock = ? WHERE id = ? IF stock = ?;", connection.Config.Keyspace)

	for attempt := 0; attempt < 5; attempt++ {
		var stock int64
		if err := connection.Session.Query(readQry, productID).WithContext(ctx).Scan(&stock); err != nil {
			if err == gocql.ErrNotFound {
				return fmt.Errorf("product %s not found", productID)
			}
			return err
		}
		if stock+delta < 0 {
			return fmt.Errorf("durable stock %d on product %s can't take delta %d", stock, productID, delta)
		}
		var prev int64
		applied, err := connection.Session.Query(casQry, stock+delta, productID, stock).
			WithContext(ctx).ScanCAS(&prev)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
		// Someone raced the CAS; re-read and retry.
		flashsale.RandomSleepWithUnit(ctx, 5*time.Millisecond)
	}
	return fmt.Errorf("durable stock update on product %s kept losing its CAS race", productID)
}

// GetStock reads the durable stock counter.
func (r *repository) GetStock(ctx context.Context, productID string) (int64, error) {
	if connection == nil {
		return 0, fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	qry := fmt.Sprintf("SELECT stock FROM %s.products WHERE id = ?;", connection.Config.Keyspace)
	var stock int64
	if err := connection.Session.Query(qry, productID).WithContext(ctx).Scan(&stock); err != nil {
		if err == gocql.ErrNotFound {
			return 0, fmt.Errorf("product %s not found", productID)
		}
		return 0, err
	}
	return stock, nil
}
