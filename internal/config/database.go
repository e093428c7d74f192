package config

// DatabaseConfig holds the shared store settings.
// URL is a full Postgres connection string; Credential is injected as the
// connection password so it never has to live inside the URL.
type DatabaseConfig struct {
	URL            string `mapstructure:"URL"             json:"url"             validate:"required"`
	Credential     string `mapstructure:"CREDENTIAL"      json:"-"               validate:"required"`
	MaxConnections int    `mapstructure:"MAX_CONNECTIONS" json:"max_connections" validate:"required,min=1,max=64"`
	InstallTrigger bool   `mapstructure:"INSTALL_TRIGGER" json:"install_trigger"`
	Channel        string `mapstructure:"CHANNEL"         json:"channel"         validate:"required,max=40"`
}
