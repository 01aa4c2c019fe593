package models

import "time"

// Order is the slice of a storefront order the support pipeline reads.
type Order struct {
	ID           int64     `json:"id" db:"id"`
	CustomerID   *int64    `json:"customer_id,omitempty" db:"customer_id"`
	BillingEmail string    `json:"billing_email" db:"billing_email"`
	Status       string    `json:"status" db:"status"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Customer is a storefront account.
type Customer struct {
	ID        int64     `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// BlockedSender is an address whose mail is dropped before ticketing.
type BlockedSender struct {
	ID        int64     `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Reason    string    `json:"reason" db:"reason"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
