package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Pipeline cadence and retention defaults.
const (
	SnapshotInterval     = 10 * time.Minute
	DefaultRetentionH    = 24
	TickCompactWindowH   = 2
	BatchCompactWindowH  = 6
	JobStatusTTL         = 1 * time.Hour
	MaxBackfillHours     = 24
	DefaultMatrixColumns = 13
	MaxMatrixColumns     = 48
)

// MES request limits.
const (
	MESRequestTimeout = 30 * time.Second
	MESPageSize       = 100
	MESMaxRecords     = 500
	MESMaxPages       = 100
	TokenEarlyRefresh = 120 * time.Second
	TokenTTLMargin    = 60 * time.Second
)

// HTTP server defaults.
const (
	DefaultPort        = "8080"
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 30 * time.Second
	ShutdownTimeout    = 30 * time.Second
)

// WebSocket configuration for the job progress stream.
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// MES holds upstream credentials and parameter identity configuration.
type MES struct {
	BaseURL        string `mapstructure:"base_url"`
	AppKey         string `mapstructure:"app_key"`
	AppSecret      string `mapstructure:"app_secret"`
	UserCode       string `mapstructure:"user_code"`
	AccessToken    string `mapstructure:"access_token"`
	ParamIDProd    string `mapstructure:"param_id_prod"`
	ParamIDTemp    string `mapstructure:"param_id_temp"`
	ParamIDPower   string `mapstructure:"param_id_power"`
	ParamCodePower string `mapstructure:"param_code_power"`
}

// Database selects the snapshot store backend.
type Database struct {
	Driver string `mapstructure:"driver"` // sqlite | postgres
	Path   string `mapstructure:"path"`   // sqlite file path
}

// Devices configures the machine ordinal to MES device code mapping.
// Map entries look like "1=850T-1"; Tonnage entries like "1=850T".
type Devices struct {
	Map     []string `mapstructure:"map"`
	Prefix  string   `mapstructure:"prefix"`
	Count   int      `mapstructure:"count"`
	Tonnage []string `mapstructure:"tonnage"`
}

// Config is the full service configuration, loaded once at start and
// injected into constructors. No package-level singleton.
type Config struct {
	Port            string   `mapstructure:"port"`
	DataDir         string   `mapstructure:"data_dir"`
	LogLevel        string   `mapstructure:"log_level"`
	DisplayTimezone string   `mapstructure:"display_timezone"`
	RetentionHours  int      `mapstructure:"retention_hours"`
	MES             MES      `mapstructure:"mes"`
	Database        Database `mapstructure:"database"`
	Devices         Devices  `mapstructure:"devices"`
}

// defaultDeviceMap is the plant's fixed 17-press lineup, used when no
// explicit map is configured.
var defaultDeviceMap = []string{
	"1=850T-1", "2=850T-2", "3=850T-3", "4=850T-4", "5=850T-5",
	"6=850T-6", "7=850T-7", "8=850T-8", "9=850T-9", "10=850T-10",
	"11=1050T-11", "12=1050T-12", "13=1050T-13", "14=1050T-14",
	"15=1050T-15", "16=1050T-16", "17=1050T-17",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", DefaultPort)
	v.SetDefault("data_dir", "./data/mesmon")
	v.SetDefault("log_level", "info")
	v.SetDefault("display_timezone", "Asia/Seoul")
	v.SetDefault("retention_hours", DefaultRetentionH)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/mesmon/mesmon.db")
	v.SetDefault("devices.map", defaultDeviceMap)
	v.SetDefault("devices.count", 17)
	v.SetDefault("devices.prefix", "")
	v.SetDefault("devices.tonnage", []string{})

	// Every key needs a default: AutomaticEnv only resolves keys viper
	// already knows about, and credentials usually arrive via environment.
	v.SetDefault("mes.base_url", "")
	v.SetDefault("mes.app_key", "")
	v.SetDefault("mes.app_secret", "")
	v.SetDefault("mes.user_code", "")
	v.SetDefault("mes.access_token", "")
	v.SetDefault("mes.param_id_prod", "")
	v.SetDefault("mes.param_id_temp", "")
	v.SetDefault("mes.param_id_power", "")
	v.SetDefault("mes.param_code_power", "")
}

// Load reads configuration from the environment (MESMON_ prefix, dots
// replaced by underscores) and, when present, an optional config file.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MESMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.RetentionHours <= 0 {
		return fmt.Errorf("retention_hours must be positive, got %d", c.RetentionHours)
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if _, err := c.DeviceMap(); err != nil {
		return err
	}
	return nil
}

// ChangeCallback is invoked with the freshly parsed config after a file change.
type ChangeCallback func(cfg *Config) error

// Watch reloads the config file on change and hands the result to the
// callback. Changes are debounced since editors fire multiple write events.
func Watch(configPath string, callback ChangeCallback) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MESMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(configPath)
	v.WatchConfig()

	var lastChange time.Time
	const debounce = 2 * time.Second

	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&fsnotify.Write != fsnotify.Write {
			return
		}
		now := time.Now()
		if now.Sub(lastChange) < debounce {
			return
		}
		lastChange = now

		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			return
		}
		if cfg.validate() != nil {
			return
		}
		_ = callback(&cfg)
	})
}

// DeviceMap resolves the configured ordinal=code pairs, ordered by ordinal.
// When the explicit map is empty, codes are derived from prefix+ordinal.
func (c *Config) DeviceMap() (map[int]string, error) {
	out := make(map[int]string)

	if len(c.Devices.Map) > 0 {
		for _, entry := range c.Devices.Map {
			ordinal, code, err := splitPair(entry)
			if err != nil {
				return nil, fmt.Errorf("devices.map: %w", err)
			}
			out[ordinal] = code
		}
		return out, nil
	}

	if c.Devices.Prefix == "" {
		return nil, fmt.Errorf("devices.map and devices.prefix are both empty")
	}
	count := c.Devices.Count
	if count <= 0 {
		count = 17
	}
	for i := 1; i <= count; i++ {
		out[i] = fmt.Sprintf("%s%d", c.Devices.Prefix, i)
	}
	return out, nil
}

// TonnageMap resolves the configured ordinal=tonnage display pairs.
func (c *Config) TonnageMap() map[int]string {
	out := make(map[int]string)
	for _, entry := range c.Devices.Tonnage {
		ordinal, label, err := splitPair(entry)
		if err != nil {
			continue
		}
		out[ordinal] = label
	}
	return out
}

// Ordinals returns the configured machine ordinals in ascending order.
func (c *Config) Ordinals() []int {
	m, err := c.DeviceMap()
	if err != nil {
		return nil
	}
	out := make([]int, 0, len(m))
	for ordinal := range m {
		out = append(out, ordinal)
	}
	sort.Ints(out)
	return out
}

// DisplayLocation loads the configured display timezone, falling back to UTC.
func (c *Config) DisplayLocation() *time.Location {
	loc, err := time.LoadLocation(c.DisplayTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func splitPair(entry string) (int, string, error) {
	parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("malformed entry %q, want \"ordinal=value\"", entry)
	}
	ordinal, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, "", fmt.Errorf("malformed ordinal in %q", entry)
	}
	value := strings.TrimSpace(parts[1])
	if value == "" {
		return 0, "", fmt.Errorf("empty value in %q", entry)
	}
	return ordinal, value, nil
}
