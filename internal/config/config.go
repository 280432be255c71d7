// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"usblink-service/internal/model"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Security   SecurityConfig   `mapstructure:"security"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Link       LinkConfig       `mapstructure:"link"`
	Permission PermissionConfig `mapstructure:"permission"`
	App        AppConfig        `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host" validate:"required"`
	Port         string        `mapstructure:"port" validate:"required"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"required"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// LinkConfig represents the serial link configuration
type LinkConfig struct {
	VendorID                uint16        `mapstructure:"vendor_id"`
	ProductID               uint16        `mapstructure:"product_id"`
	BaudRate                int           `mapstructure:"baud_rate"`
	DataBits                int           `mapstructure:"data_bits"`
	StopBits                string        `mapstructure:"stop_bits"`
	Parity                  string        `mapstructure:"parity"`
	DTR                     bool          `mapstructure:"dtr"`
	RTS                     bool          `mapstructure:"rts"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	ReadBufferSize          int           `mapstructure:"read_buffer_size"`
	AttemptTimeout          time.Duration `mapstructure:"attempt_timeout"`
	AutoConnect             bool          `mapstructure:"auto_connect"`
	ReportUnconnectedWrites bool          `mapstructure:"report_unconnected_writes"`
	Handle                  string        `mapstructure:"handle"`
}

// PermissionConfig represents the permission gate configuration
type PermissionConfig struct {
	Mode         string        `mapstructure:"mode"`
	WatchTimeout time.Duration `mapstructure:"watch_timeout"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version" validate:"required"`
	Environment string `mapstructure:"environment" validate:"required"`
	Debug       bool   `mapstructure:"debug"`
}

const (
	PermissionModeOperator = "operator"
	PermissionModeWatch    = "watch"

	// HandleModeUSB opens a libusb handle next to the serial port
	HandleModeUSB = "usb"
	// HandleModeNone opens the serial port only
	HandleModeNone = "none"
)

// Load loads configuration from an optional file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/usblink")
	}

	// Environment variable support
	v.SetEnvPrefix("USBLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file: defaults and environment only
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8085")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")

	// Security defaults
	v.SetDefault("security.allowed_origins", []string{})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Link defaults
	line := model.DefaultLineConfig()
	v.SetDefault("link.vendor_id", 1155)
	v.SetDefault("link.product_id", 0)
	v.SetDefault("link.baud_rate", line.BaudRate)
	v.SetDefault("link.data_bits", line.DataBits)
	v.SetDefault("link.stop_bits", string(line.StopBits))
	v.SetDefault("link.parity", string(line.Parity))
	v.SetDefault("link.dtr", line.DTR)
	v.SetDefault("link.rts", line.RTS)
	v.SetDefault("link.read_timeout", "0s")
	v.SetDefault("link.read_buffer_size", 4096)
	v.SetDefault("link.attempt_timeout", "15s")
	v.SetDefault("link.auto_connect", true)
	v.SetDefault("link.report_unconnected_writes", false)
	v.SetDefault("link.handle", HandleModeUSB)

	// Permission defaults
	v.SetDefault("permission.mode", PermissionModeOperator)
	v.SetDefault("permission.watch_timeout", "60s")

	// App defaults
	v.SetDefault("app.name", "usblink-service")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

// Default returns the configuration built from defaults only
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	// Defaults always decode
	_ = v.Unmarshal(&config)
	return &config
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if config.Link.VendorID == 0 {
		return fmt.Errorf("link.vendor_id is required")
	}
	if config.Link.BaudRate <= 0 {
		return fmt.Errorf("link.baud_rate must be positive")
	}
	if config.Link.DataBits < 5 || config.Link.DataBits > 8 {
		return fmt.Errorf("link.data_bits must be between 5 and 8")
	}
	if config.Link.ReadBufferSize <= 0 {
		return fmt.Errorf("link.read_buffer_size must be positive")
	}

	if !contains([]string{"1", "1.5", "2"}, config.Link.StopBits) {
		return fmt.Errorf("link.stop_bits must be one of: [1 1.5 2]")
	}

	validParities := []string{"none", "odd", "even", "mark", "space"}
	if !contains(validParities, config.Link.Parity) {
		return fmt.Errorf("link.parity must be one of: %v", validParities)
	}

	validHandles := []string{HandleModeUSB, HandleModeNone}
	if !contains(validHandles, config.Link.Handle) {
		return fmt.Errorf("link.handle must be one of: %v", validHandles)
	}

	validModes := []string{PermissionModeOperator, PermissionModeWatch}
	if !contains(validModes, config.Permission.Mode) {
		return fmt.Errorf("permission.mode must be one of: %v", validModes)
	}

	validEnvs := []string{"development", "staging", "production", "test"}
	if !contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// LineConfig returns the serial line configuration for the link
func (c *Config) LineConfig() model.LineConfig {
	return model.LineConfig{
		BaudRate:    c.Link.BaudRate,
		DataBits:    c.Link.DataBits,
		StopBits:    model.StopBits(c.Link.StopBits),
		Parity:      model.Parity(c.Link.Parity),
		DTR:         c.Link.DTR,
		RTS:         c.Link.RTS,
		ReadTimeout: c.Link.ReadTimeout,
	}
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
