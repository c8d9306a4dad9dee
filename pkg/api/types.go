package api

import "time"

// EntitlementResponse is one entitlement with its computed access flag
type EntitlementResponse struct {
	UserID         string     `json:"user_id"`
	EntitlementID  string     `json:"entitlement_id"`
	ProductID      string     `json:"product_id,omitempty"`
	Status         string     `json:"status"` // "active", "cancelled", "expired", "billing_issue"
	Platform       string     `json:"platform,omitempty"`
	PurchaseDate   time.Time  `json:"purchase_date"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
	AutoRenew      bool       `json:"auto_renew"`
	LastEventAt    time.Time  `json:"last_event_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	HasAccess      bool       `json:"has_access"`
}

// EntitlementsResponse lists every entitlement row of a user
type EntitlementsResponse struct {
	UserID       string                `json:"user_id"`
	Entitlements []EntitlementResponse `json:"entitlements"`
}

// EventResponse is a ledger row. RawPayload is only filled on request.
type EventResponse struct {
	Source       string     `json:"source"`
	ExternalID   string     `json:"external_id"`
	EventType    string     `json:"event_type"`
	Status       string     `json:"status"` // "pending", "succeeded", "failed"
	Attempts     int        `json:"attempts"`
	ReceivedAt   time.Time  `json:"received_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RawPayload   string     `json:"raw_payload,omitempty"`
}

// RequeueResponse reports the result of a manual requeue
type RequeueResponse struct {
	Status     string `json:"status"` // "requeued"
	Dispatched bool   `json:"dispatched"`
}
