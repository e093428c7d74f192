package models

import "time"

// PeerRecord is one client device authorized to use a relay.
// The agent only reads these; the control plane owns every write.
type PeerRecord struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	RelayAddress    string     `json:"relay_address"`
	PublicKey       string     `json:"public_key"`     // base64 WireGuard key
	TunnelAddress   string     `json:"tunnel_address"` // IPv4 inside the tunnel network, no prefix
	DeviceName      string     `json:"device_name"`
	Active          bool       `json:"active"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
}

// Label returns the device name, falling back to the peer id.
func (p PeerRecord) Label() string {
	if p.DeviceName != "" {
		return p.DeviceName
	}
	return p.ID
}
