package models

import "time"

// RelayRecord is the row in the relay directory describing one VPS relay.
// Address is the natural key.
type RelayRecord struct {
	Address   string    `json:"address"`    // Public IPv4/IPv6 address clients dial, e.g. "203.0.113.7"
	Label     string    `json:"label"`      // Human label, usually the hostname
	CreatedAt time.Time `json:"created_at"` // Set by the store on insert
	UpdatedAt time.Time `json:"updated_at"` // Set by the store on insert
}
