package offer

import "time"

// Result is the final disposition of one offer.
type Result string

const (
	ResultPending   Result = "pending"
	ResultAccepted  Result = "accepted"
	ResultRejected  Result = "rejected"
	ResultExpired   Result = "expired"
	ResultCancelled Result = "cancelled"
)

// Offer is one time-boxed proposal of one session to one driver.
type Offer struct {
	SessionID string    `json:"session_id"`
	DriverID  string    `json:"driver_id"`
	OfferID   string    `json:"offer_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Result    Result    `json:"result"`
}

func (o Offer) Resolved() bool { return o.Result != ResultPending }
