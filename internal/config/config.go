package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/nigping/relay-agent/internal/constants"
	"github.com/nigping/relay-agent/internal/logger"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set at runtime from build information
var Version = "dev"

var validate = validator.New()

// ifaceName matches Linux network interface names (IFNAMSIZ - 1).
var ifaceName = regexp.MustCompile(`^[a-zA-Z0-9_=+.-]{1,15}$`)

// envAliases lets the agent run from the plain environment-style inputs
// operators already use on relay hosts.
var envAliases = map[string][]string{
	"database.URL":         {"DATABASE_URL"},
	"database.CREDENTIAL":  {"DATABASE_PASSWORD"},
	"agent.LISTEN_PORT":    {"WG_PORT"},
	"agent.PUBLIC_ADDRESS": {"PUBLIC_IP"},
	"agent.INTERFACE":      {"WG_INTERFACE"},
}

// Config holds every sub-config.
type Config struct {
	Agent    AgentConfig    `mapstructure:"agent"    validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts" validate:"required"`
	Health   HealthConfig   `mapstructure:"health"   validate:"required"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"  validate:"required"`
}

func init() {
	registerCustomValidators()
	validate.RegisterStructValidation(performCrossFieldValidation, Config{})
}

// registerCustomValidators registers custom validation functions
func registerCustomValidators() {
	must := func(tag string, fn validator.Func) {
		if err := validate.RegisterValidation(tag, fn); err != nil {
			logger.Error("Failed to register validator", zap.String("tag", tag), zap.Error(err))
		}
	}

	must("iface", func(fl validator.FieldLevel) bool {
		return ifaceName.MatchString(fl.Field().String())
	})

	// Host address inside an IPv4 tunnel network, e.g. 10.0.0.1/24.
	must("tunnel_cidr", func(fl validator.FieldLevel) bool {
		prefix, err := netip.ParsePrefix(fl.Field().String())
		if err != nil || !prefix.Addr().Is4() {
			return false
		}
		if prefix.Bits() < 8 || prefix.Bits() > 30 {
			return false
		}
		return prefix.Addr() != prefix.Masked().Addr()
	})

	// ":8080" or "host:8080"
	must("listenaddr", func(fl validator.FieldLevel) bool {
		host, port, err := net.SplitHostPort(fl.Field().String())
		if err != nil || port == "" {
			return false
		}
		if _, err := net.LookupPort("tcp", port); err != nil {
			return false
		}
		return host == "" || host == "localhost" || net.ParseIP(host) != nil
	})

	must("timeout_duration", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(time.Duration)
		return ok && d >= 100*time.Millisecond && d <= 5*time.Minute
	})

	must("log_level", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "debug", "info", "warn", "error", "fatal":
			return true
		}
		return false
	})

	must("log_format", func(fl validator.FieldLevel) bool {
		format := fl.Field().String()
		return format == "console" || format == "json"
	})
}

// performCrossFieldValidation performs validation across multiple fields
func performCrossFieldValidation(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)

	if cfg.Agent.Interface == cfg.Agent.EgressInterface {
		sl.ReportError(cfg.Agent.EgressInterface, "EgressInterface", "EgressInterface", "egress_is_tunnel", "")
	}

	if cfg.Database.Channel != "" && len(cfg.Database.Channel)+1+len("255.255.255.255") > constants.MaxChannelNameLen {
		sl.ReportError(cfg.Database.Channel, "Channel", "Channel", "channel_too_long", "")
	}
}

/* ------------------------------------------------------------------ *
|  Public API                                                         |
* -------------------------------------------------------------------*/

// SetVersion sets the version from build information
func SetVersion(v string) {
	Version = v
}

// Load merges defaults → file (optional) → env vars, validates, and returns cfg.
// The global logger is initialized from the resulting logging section.
func Load(path string, log *zap.Logger) (*Config, error) {
	v, err := newViper(path, log)
	if err != nil {
		return nil, err
	}
	return decode(v, log)
}

// LoadWith is Load followed by flag overrides applied before validation.
func LoadWith(path string, log *zap.Logger, override func(*viper.Viper)) (*Config, error) {
	v, err := newViper(path, log)
	if err != nil {
		return nil, err
	}
	if override != nil {
		override(v)
	}
	return decode(v, log)
}

func newViper(path string, log *zap.Logger) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(constants.EnvPrefix) // RELAY_AGENT_DATABASE_URL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 1. defaults.yaml (embedded)
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	// 2. optional user file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err == nil && log != nil {
			log.Info("Loaded config.yaml from current directory")
		}
	}

	// 3. env: prefixed keys via AutomaticEnv, plus the plain aliases
	for key, names := range envAliases {
		prefixed := constants.EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper, log *zap.Logger) (*Config, error) {
	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Agent.Label == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Agent.Label = host
		}
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, formatValidationError(err)
	}

	if err := initializeLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	if log != nil {
		log.Info("configuration loaded",
			zap.String("version", Version),
			zap.String("interface", cfg.Agent.Interface),
			zap.String("level", cfg.Logging.Level))
	}
	return &cfg, nil
}

// initializeLogger initializes the logger using the LoggingConfig
func initializeLogger(loggingConfig LoggingConfig) error {
	return logger.Init(
		logger.WithLevel(loggingConfig.Level),
		logger.WithFormat(loggingConfig.Format),
		logger.WithFile(loggingConfig.FilePath),
		logger.WithVersion(Version),
		logger.WithComponent(constants.ServiceName),
		logger.WithRotation(loggingConfig.MaxSize, loggingConfig.MaxBackups, loggingConfig.MaxAge),
	)
}

// formatValidationError converts validator errors into user-friendly messages
func formatValidationError(err error) error {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	messages := make([]string, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		messages = append(messages, getFieldErrorMessage(fieldError))
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}

// getFieldErrorMessage returns a user-friendly error message for a field validation error
func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	value := fe.Value()
	param := fe.Param()

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s (got: %v)", field, param, value)
	case "url":
		return fmt.Sprintf("%s must be a valid URL (got: %v)", field, value)
	case "ip":
		return fmt.Sprintf("%s must be a valid IP address (got: %v)", field, value)
	case "iface":
		return fmt.Sprintf("%s must be a valid network interface name (got: %v)", field, value)
	case "tunnel_cidr":
		return fmt.Sprintf("%s must be an IPv4 host address with prefix between /8 and /30, e.g. 10.0.0.1/24 (got: %v)", field, value)
	case "listenaddr":
		return fmt.Sprintf("%s must be in format ':port' or 'host:port' (got: %v)", field, value)
	case "timeout_duration":
		return fmt.Sprintf("%s must be between 100ms and 5m (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "egress_is_tunnel":
		return "egress interface must differ from the tunnel interface"
	case "channel_too_long":
		return fmt.Sprintf("%s is too long to build per-relay notification channels", field)
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, fe.Tag(), value)
	}
}
