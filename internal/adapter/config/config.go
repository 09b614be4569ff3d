// Package config provides configuration management for the EtherCAT master
// service. It supports environment variables, .env files, config files
// (YAML/JSON) and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/spf13/viper"
)

// Config holds all configuration for the master service.
type Config struct {
	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`

	// NetworkConfigPath is the ring description: master settings and devices
	NetworkConfigPath string `mapstructure:"network_config_path"`

	// VariablesConfigPath binds PDO entries to registers. Optional.
	VariablesConfigPath string `mapstructure:"variables_config_path"`

	HTTP       HTTPConfig       `mapstructure:"http"`
	API        APIConfig        `mapstructure:"api"`
	Master     MasterConfig     `mapstructure:"master"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	DC         DCConfig         `mapstructure:"dc"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	TagServer  TagServerConfig  `mapstructure:"tagserver"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// APIConfig holds HTTP API security settings.
type APIConfig struct {
	// AuthEnabled requires an API key on write endpoints
	AuthEnabled bool   `mapstructure:"auth_enabled"`
	APIKey      string `mapstructure:"api_key"`

	// AllowedOrigins lists CORS origins. Empty allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// MaxRequestBodySize limits request bodies in bytes
	MaxRequestBodySize int64 `mapstructure:"max_request_body_size"`
}

// MasterConfig holds the link and cycle settings. Values set here override
// the ring description.
type MasterConfig struct {
	Link              string        `mapstructure:"link"` // udp or sim
	Interface         string        `mapstructure:"interface"`
	RemoteAddr        string        `mapstructure:"remote_addr"`
	FrameTimeout      time.Duration `mapstructure:"frame_timeout"`
	FrameRetries      int           `mapstructure:"frame_retries"`
	CycleTime         time.Duration `mapstructure:"cycle_time"`
	MinCycleTime      time.Duration `mapstructure:"min_cycle_time"`
	MaxCycleTime      time.Duration `mapstructure:"max_cycle_time"`
	Adaptive          bool          `mapstructure:"adaptive"`
	SmoothingFactor   float64       `mapstructure:"smoothing_factor"`
	StateTimeout      time.Duration `mapstructure:"state_timeout"`
	WKCErrorThreshold int           `mapstructure:"wkc_error_threshold"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// MonitoringConfig holds the supervision settings.
type MonitoringConfig struct {
	Interval             time.Duration `mapstructure:"interval"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	HighErrorRate        float64       `mapstructure:"high_error_rate"`
	ReactionWorkers      int           `mapstructure:"reaction_workers"`
	AutoReactions        bool          `mapstructure:"auto_reactions"`
}

// DCConfig holds the distributed clock settings.
type DCConfig struct {
	MaxDriftNs           int64         `mapstructure:"max_drift_ns"`
	CompensationInterval time.Duration `mapstructure:"compensation_interval"`
	SyncWindow           time.Duration `mapstructure:"sync_window"`
}

// MQTTConfig holds MQTT client configuration.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	CleanSession   bool          `mapstructure:"clean_session"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	BufferSize     int           `mapstructure:"buffer_size"`
}

// TagServerConfig holds the RESP tag server configuration.
type TagServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	TimeFormat string `mapstructure:"time_format"`
}

// Override sets configuration values after files and environment are read,
// typically from command line flags.
type Override func(v *viper.Viper)

// WithLink forces the link type.
func WithLink(link string) Override {
	return func(v *viper.Viper) { v.Set("master.link", link) }
}

// Load loads configuration from files and environment variables. A .env file
// in the working directory is applied to the environment first.
func Load(overrides ...Override) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/ecmaster")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("ECMASTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	for _, o := range overrides {
		o(v)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	def := domain.DefaultMasterConfig()

	v.SetDefault("environment", "development")
	v.SetDefault("network_config_path", "./config/network.yaml")
	v.SetDefault("variables_config_path", "")

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	// API
	v.SetDefault("api.auth_enabled", false)
	v.SetDefault("api.api_key", "")
	v.SetDefault("api.allowed_origins", []string{})
	v.SetDefault("api.max_request_body_size", 1<<20)

	// Master
	v.SetDefault("master.link", "udp")
	v.SetDefault("master.interface", "")
	v.SetDefault("master.remote_addr", "")
	v.SetDefault("master.frame_timeout", def.Network.FrameTimeout)
	v.SetDefault("master.frame_retries", def.Network.FrameRetries)
	v.SetDefault("master.cycle_time", def.Cycle.CycleTime)
	v.SetDefault("master.min_cycle_time", def.Cycle.MinCycleTime)
	v.SetDefault("master.max_cycle_time", def.Cycle.MaxCycleTime)
	v.SetDefault("master.adaptive", def.Cycle.Adaptive)
	v.SetDefault("master.smoothing_factor", def.Cycle.SmoothingFactor)
	v.SetDefault("master.state_timeout", def.StateTimeout)
	v.SetDefault("master.wkc_error_threshold", def.Cycle.WKCErrorThreshold)
	v.SetDefault("master.shutdown_timeout", 5*time.Second)

	// Monitoring
	v.SetDefault("monitoring.interval", time.Second)
	v.SetDefault("monitoring.reconnect_max_attempts", 3)
	v.SetDefault("monitoring.reconnect_delay", 5*time.Second)
	v.SetDefault("monitoring.high_error_rate", 0.1)
	v.SetDefault("monitoring.reaction_workers", 2)
	v.SetDefault("monitoring.auto_reactions", true)

	// Distributed clocks
	v.SetDefault("dc.max_drift_ns", def.DC.DriftCompensation.MaxDriftNs)
	v.SetDefault("dc.compensation_interval", def.DC.DriftCompensation.Interval)
	v.SetDefault("dc.sync_window", def.DC.SyncWindow)

	// MQTT
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "ecmaster")
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.topic_prefix", "ecmaster")
	v.SetDefault("mqtt.buffer_size", 10000)

	// Tag server
	v.SetDefault("tagserver.enabled", false)
	v.SetDefault("tagserver.addr", ":6380")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)
}

// bindEnvVars binds environment variables to config keys.
func bindEnvVars(v *viper.Viper) {
	// MQTT environment variables
	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")
	_ = v.BindEnv("mqtt.client_id", "MQTT_CLIENT_ID")

	// General environment variables
	_ = v.BindEnv("environment", "ENVIRONMENT")
	_ = v.BindEnv("network_config_path", "NETWORK_CONFIG_PATH")
	_ = v.BindEnv("variables_config_path", "VARIABLES_CONFIG_PATH")

	// HTTP
	_ = v.BindEnv("http.port", "HTTP_PORT")
	_ = v.BindEnv("api.api_key", "API_KEY")

	// Link
	_ = v.BindEnv("master.interface", "ECAT_INTERFACE")
	_ = v.BindEnv("master.remote_addr", "ECAT_REMOTE_ADDR")

	// Logging
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.API.AuthEnabled && c.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required when authentication is enabled")
	}
	switch c.Master.Link {
	case "udp", "sim":
	default:
		return fmt.Errorf("unknown link %q (want udp or sim)", c.Master.Link)
	}
	if c.Master.Link == "udp" && c.Master.RemoteAddr == "" {
		return fmt.Errorf("udp link requires master.remote_addr")
	}
	if c.Master.CycleTime <= 0 {
		return fmt.Errorf("cycle time must be positive")
	}
	if c.Master.MinCycleTime > c.Master.MaxCycleTime {
		return fmt.Errorf("min cycle time %v exceeds max %v", c.Master.MinCycleTime, c.Master.MaxCycleTime)
	}
	if c.Master.WKCErrorThreshold <= 0 {
		return fmt.Errorf("wkc error threshold must be positive")
	}
	if c.Monitoring.Interval <= 0 {
		return fmt.Errorf("monitoring interval must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("MQTT broker URL is required")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid MQTT QoS: %d", c.MQTT.QoS)
	}
	if c.TagServer.Enabled && c.TagServer.Addr == "" {
		return fmt.Errorf("tag server address is required")
	}
	return nil
}

// Apply overlays the service settings on a ring description's master
// settings.
func (c *Config) Apply(m *domain.MasterConfig) {
	m.Network.Link = c.Master.Link
	if c.Master.Interface != "" {
		m.Network.Interface = c.Master.Interface
	}
	if c.Master.RemoteAddr != "" {
		m.Network.RemoteAddr = c.Master.RemoteAddr
	}
	m.Network.FrameTimeout = c.Master.FrameTimeout
	m.Network.FrameRetries = c.Master.FrameRetries

	m.Cycle.CycleTime = c.Master.CycleTime
	m.Cycle.MinCycleTime = c.Master.MinCycleTime
	m.Cycle.MaxCycleTime = c.Master.MaxCycleTime
	m.Cycle.Adaptive = c.Master.Adaptive
	m.Cycle.SmoothingFactor = c.Master.SmoothingFactor
	m.Cycle.WKCErrorThreshold = c.Master.WKCErrorThreshold
	m.StateTimeout = c.Master.StateTimeout

	m.DC.SyncWindow = c.DC.SyncWindow
	m.DC.DriftCompensation.MaxDriftNs = c.DC.MaxDriftNs
	m.DC.DriftCompensation.Interval = c.DC.CompensationInterval
}
