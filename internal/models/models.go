package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ServiceType distinguishes what kind of trip a session dispatches.
type ServiceType string

const (
	ServiceRide     ServiceType = "ride"
	ServiceDelivery ServiceType = "delivery"
)

// VehicleClass is the capability requested by the rider and advertised by
// the driver. An empty class on a request means "any".
type VehicleClass string

const (
	ClassEconomy VehicleClass = "economy"
	ClassComfort VehicleClass = "comfort"
	ClassVan     VehicleClass = "van"
	ClassBike    VehicleClass = "bike"
)

// Driver is the geospatial-index view of one driver: last-known position
// plus the attributes the candidate filter needs.
type Driver struct {
	ID           string       `json:"id"`
	Loc          Coord        `json:"loc"`
	Heading      float64      `json:"heading"`
	Online       bool         `json:"online"`
	ServiceMode  ServiceType  `json:"service_mode"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Updated      time.Time    `json:"updated"`
}

// DriverProfile carries the historical stats used to rank candidates.
type DriverProfile struct {
	ID             string       `json:"id"`
	Rating         float64      `json:"rating"`          // 0..5
	AcceptanceRate float64      `json:"acceptance_rate"` // 0..1
	VehicleClass   VehicleClass `json:"vehicle_class"`
	Name           string       `json:"name,omitempty"`
}

// Customer is the rider summary shown to a driver in an offer.
type Customer struct {
	ID     string  `json:"id"`
	Name   string  `json:"name,omitempty"`
	Rating float64 `json:"rating,omitempty"`
}

type RideRequest struct {
	RequestID    string       `json:"request_id"`
	RiderID      string       `json:"rider_id"`
	Pickup       Coord        `json:"pickup"`
	Dropoff      Coord        `json:"dropoff"`
	ServiceType  ServiceType  `json:"service_type"`
	VehicleClass VehicleClass `json:"vehicle_class,omitempty"`
	Customer     Customer     `json:"customer"`
}

// FareQuote is what the pricing collaborator returns for one route and
// vehicle class. Amount is in minor units (cents).
type FareQuote struct {
	Amount     int64   `json:"amount"`
	Currency   string  `json:"currency"`
	EtaSeconds float64 `json:"eta_seconds"`
	DistanceM  float64 `json:"distance_m"`
}
