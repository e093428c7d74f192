package config

// MetricsConfig toggles the /metrics route on the health listener.
type MetricsConfig struct {
	Enabled bool `mapstructure:"ENABLED" json:"enabled"`
}
