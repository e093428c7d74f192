package constants

import "time"

// Service identity
const (
	ServiceName = "relay-agent"
	EnvPrefix   = "RELAY_AGENT"
)

// WireGuard defaults
const (
	DefaultInterface       = "wg0"
	DefaultListenPort      = 51820
	DefaultTunnelAddress   = "10.0.0.1/24"
	DefaultEgressInterface = "eth0"
	DefaultWireGuardDir    = "/etc/wireguard"

	PrivateKeyFileName = "privatekey"
	PublicKeyFileName  = "publickey"

	WGBinary      = "wg"
	WGQuickBinary = "wg-quick"
)

// Address resolution
const (
	DefaultIPEchoURL = "https://api.ipify.org"
	// Echo responses larger than this are not an address.
	MaxEchoResponseBytes = 256
)

// Shared store
const (
	RelayTable         = "vps_servers"
	PeerTable          = "wireguard_peers"
	DefaultChannel     = "peer_changes"
	MaxChannelNameLen  = 63
	DefaultDBMaxConns  = 4
	DBConnMaxLifetime  = 30 * time.Minute
	DBConnMaxIdleTime  = 5 * time.Minute
	DBConnectAttempts  = 5
	DBConnectBackoff   = 2 * time.Second
	FeedReconnectMin   = 1 * time.Second
	FeedReconnectMax   = 30 * time.Second
	FeedEventBuffer    = 64
	DBHealthCheckEvery = 30 * time.Second
)

// Timeouts for external calls
const (
	DefaultCommandTimeout   = 15 * time.Second
	DefaultQueryTimeout     = 10 * time.Second
	DefaultResolveTimeout   = 10 * time.Second
	DefaultSubscribeTimeout = 15 * time.Second
	HealthCheckTimeout      = 3 * time.Second
	ShutdownTimeout         = 10 * time.Second
)
