package domain

import "time"

// Reservation is an order's claim on one time block for one calendar date.
type Reservation struct {
	TimeBlockID string
	// DeliveryDate is the UTC instant of local midnight of the chosen day in TimeZone.
	DeliveryDate time.Time
	TimeZone     string
}

// Order is the externally owned order record; only its reservation fields are managed here.
type Order struct {
	ID          string
	CustomerID  string
	Reservation *Reservation
	UpdatedAt   time.Time
}

func (o Order) Reserved() bool {
	return o.Reservation != nil
}
