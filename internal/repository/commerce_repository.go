package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/gotrs-io/shopdesk/internal/database"
	"github.com/gotrs-io/shopdesk/internal/models"
)

// CommerceRepository reads the storefront's order and customer tables. It
// never writes to them outside of tests and seeding.
type CommerceRepository struct {
	db *database.DB
}

// NewCommerceRepository creates a repository backed by db.
func NewCommerceRepository(db *database.DB) *CommerceRepository {
	return &CommerceRepository{db: db}
}

// OrderExists reports whether an order with orderID exists.
func (r *CommerceRepository) OrderExists(ctx context.Context, orderID int64) (bool, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, r.db.Rebind(`SELECT COUNT(*) FROM shop_orders WHERE id = ?`), orderID); err != nil {
		return false, fmt.Errorf("failed to check order %d: %w", orderID, err)
	}
	return n > 0, nil
}

// CustomerIDByEmail finds the storefront account registered with email.
func (r *CommerceRepository) CustomerIDByEmail(ctx context.Context, email string) (int64, bool, error) {
	var id int64
	err := r.db.GetContext(ctx, &id, r.db.Rebind(`
		SELECT id FROM shop_customers WHERE email = ? ORDER BY id ASC LIMIT 1`), normalizeEmail(email))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up customer %s: %w", email, err)
	}
	return id, true, nil
}

// LatestOrderCustomerByEmail returns the customer of the most recent order
// billed to email, when that order belongs to an account.
func (r *CommerceRepository) LatestOrderCustomerByEmail(ctx context.Context, email string) (int64, bool, error) {
	var id sql.NullInt64
	err := r.db.GetContext(ctx, &id, r.db.Rebind(`
		SELECT customer_id FROM shop_orders WHERE billing_email = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`), normalizeEmail(email))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up orders for %s: %w", email, err)
	}
	if !id.Valid || id.Int64 == 0 {
		return 0, false, nil
	}
	return id.Int64, true, nil
}

// GetOrder loads one order.
func (r *CommerceRepository) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	var o models.Order
	err := r.db.GetContext(ctx, &o, r.db.Rebind(`
		SELECT id, customer_id, billing_email, status, created_at FROM shop_orders WHERE id = ?`), orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %d: %w", orderID, err)
	}
	return &o, nil
}

// SaveCustomer inserts a customer row. Used for seeding.
func (r *CommerceRepository) SaveCustomer(ctx context.Context, c *models.Customer) error {
	now := database.Now()
	if c.ID != 0 {
		_, err := r.db.ExecContext(ctx, r.db.Rebind(`
			INSERT INTO shop_customers (id, email, name, created_at) VALUES (?, ?, ?, ?)`),
			c.ID, normalizeEmail(c.Email), c.Name, now)
		if err != nil {
			return fmt.Errorf("failed to save customer: %w", err)
		}
	} else {
		id, err := r.db.InsertID(ctx, `INSERT INTO shop_customers (email, name, created_at) VALUES (?, ?, ?)`,
			normalizeEmail(c.Email), c.Name, now)
		if err != nil {
			return fmt.Errorf("failed to save customer: %w", err)
		}
		c.ID = id
	}
	c.CreatedAt = now
	return nil
}

// SaveOrder inserts an order row. Used for seeding.
func (r *CommerceRepository) SaveOrder(ctx context.Context, o *models.Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = database.Now()
	}
	o.CreatedAt = database.Timestamp(o.CreatedAt)
	if o.ID != 0 {
		_, err := r.db.ExecContext(ctx, r.db.Rebind(`
			INSERT INTO shop_orders (id, customer_id, billing_email, status, created_at) VALUES (?, ?, ?, ?, ?)`),
			o.ID, o.CustomerID, normalizeEmail(o.BillingEmail), o.Status, o.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to save order: %w", err)
		}
		return nil
	}
	id, err := r.db.InsertID(ctx, `
		INSERT INTO shop_orders (customer_id, billing_email, status, created_at) VALUES (?, ?, ?, ?)`,
		o.CustomerID, normalizeEmail(o.BillingEmail), o.Status, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	o.ID = id
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
