package config

import "time"

// TimeoutsConfig bounds every external call the agent makes.
type TimeoutsConfig struct {
	Command   time.Duration `mapstructure:"COMMAND"   json:"command"   validate:"required,timeout_duration"`
	Query     time.Duration `mapstructure:"QUERY"     json:"query"     validate:"required,timeout_duration"`
	Resolve   time.Duration `mapstructure:"RESOLVE"   json:"resolve"   validate:"required,timeout_duration"`
	Subscribe time.Duration `mapstructure:"SUBSCRIBE" json:"subscribe" validate:"required,timeout_duration"`
}
