package model

import "time"

// SettlementEvent is a confirmed payment that upgrades a user to premium.
type SettlementEvent struct {
	UserID    uint      `json:"user_id"`
	Reference string    `json:"reference"`
	SettledAt time.Time `json:"settled_at"`
}
