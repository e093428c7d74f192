package config

import "time"

// AgentConfig holds the relay-side WireGuard settings.
type AgentConfig struct {
	Interface       string `mapstructure:"INTERFACE"        json:"interface"        validate:"required,iface"`
	ListenPort      int    `mapstructure:"LISTEN_PORT"      json:"listen_port"      validate:"required,min=1,max=65535"`
	PublicAddress   string `mapstructure:"PUBLIC_ADDRESS"   json:"public_address"   validate:"omitempty,ip"`
	IPEchoURL       string `mapstructure:"IP_ECHO_URL"      json:"ip_echo_url"      validate:"required,url"`
	Label           string `mapstructure:"LABEL"            json:"label"            validate:"omitempty,max=64"`
	KeyDir          string `mapstructure:"KEY_DIR"          json:"key_dir"          validate:"required"`
	ConfigDir       string `mapstructure:"CONFIG_DIR"       json:"config_dir"       validate:"required"`
	EgressInterface string `mapstructure:"EGRESS_INTERFACE" json:"egress_interface" validate:"required,iface"`
	TunnelAddress   string `mapstructure:"TUNNEL_ADDRESS"   json:"tunnel_address"   validate:"required,tunnel_cidr"`

	// InitialSyncRetry re-runs a failed initial sync on a timer until the
	// first reactive event arrives. Zero disables it.
	InitialSyncRetry time.Duration `mapstructure:"INITIAL_SYNC_RETRY" json:"initial_sync_retry" validate:"min=0"`
}
