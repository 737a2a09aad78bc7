package pharmacy

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-dispatch/internal/geo"
)

type Product struct {
	ID             uuid.UUID `json:"id" yaml:"id"`
	Name           string    `json:"name" yaml:"name"`
	UnitPriceCents int64     `json:"unitPriceCents" yaml:"unitPriceCents"`
	Active         bool      `json:"active" yaml:"active"`
}

type Pharmacy struct {
	ID       uuid.UUID `json:"id" yaml:"id"`
	Name     string    `json:"name" yaml:"name"`
	Location geo.Point `json:"location" yaml:"location"`
	Active   bool      `json:"active" yaml:"active"`
}

// InventoryUnit is the stock of one product at one pharmacy. Stock never
// goes below zero.
type InventoryUnit struct {
	PharmacyID uuid.UUID `json:"pharmacyId"`
	ProductID  uuid.UUID `json:"productId"`
	Stock      int       `json:"stock"`
	EtaMinutes int       `json:"etaMinutes"`
}

type OrderStatus string

const (
	OrderPending        OrderStatus = "PENDING"
	OrderConfirmed      OrderStatus = "CONFIRMED"
	OrderOutForDelivery OrderStatus = "OUT_FOR_DELIVERY"
	OrderDelivered      OrderStatus = "DELIVERED"
	OrderCancelled      OrderStatus = "CANCELLED"
)

// cancellable statuses are the ones before the order leaves the pharmacy
var cancellable = []OrderStatus{OrderPending, OrderConfirmed}

// advances maps each fulfilment step to the status it follows.
var advances = map[OrderStatus]OrderStatus{
	OrderConfirmed:      OrderPending,
	OrderOutForDelivery: OrderConfirmed,
	OrderDelivered:      OrderOutForDelivery,
}

// ItemRequest is one cart line as submitted by the patient.
type ItemRequest struct {
	ProductID uuid.UUID `json:"productId"`
	Quantity  int       `json:"quantity"`
}

type LineItem struct {
	ProductID      uuid.UUID `json:"productId"`
	Quantity       int       `json:"quantity"`
	UnitPriceCents int64     `json:"unitPriceCents"`
}

type Order struct {
	ID               uuid.UUID   `json:"id"`
	PatientID        uuid.UUID   `json:"patientId"`
	PharmacyID       uuid.UUID   `json:"pharmacyId"`
	Items            []LineItem  `json:"items"`
	Status           OrderStatus `json:"status"`
	EtaMinutes       int         `json:"etaMinutes"`
	TotalCents       int64       `json:"totalCents"`
	DeliveryLocation geo.Point   `json:"deliveryLocation"`
	DeliveryAddress  string      `json:"deliveryAddress,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}
