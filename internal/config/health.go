package config

// HealthConfig holds the liveness endpoint settings.
type HealthConfig struct {
	Addr      string  `mapstructure:"ADDR"       json:"addr"       validate:"required,listenaddr"`
	RateLimit float64 `mapstructure:"RATE_LIMIT" json:"rate_limit" validate:"required,gt=0"`
	Burst     int     `mapstructure:"BURST"      json:"burst"      validate:"required,min=1"`
}
