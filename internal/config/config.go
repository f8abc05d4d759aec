package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. WORKERPANEL_LOG_PATH.
const EnvPrefix = "WORKERPANEL"

// DefaultFileName is looked up in the working directory when no --config is given.
const DefaultFileName = "workerpanel.toml"

// Config is the top-level TOML structure.
type Config struct {
	Worker   WorkerConfig   `toml:"worker" mapstructure:"worker"`
	Log      LogConfig      `toml:"log" mapstructure:"log"`
	PanelLog PanelLogConfig `toml:"panel_log" mapstructure:"panel_log"`
	Settings SettingsConfig `toml:"settings" mapstructure:"settings"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
	Server   ServerConfig   `toml:"server" mapstructure:"server"`

	// File is the config file that was read, empty when only defaults apply.
	File string `toml:"-" mapstructure:"-"`
}

// WorkerConfig describes the supervised worker.
type WorkerConfig struct {
	Interpreter   string        `toml:"interpreter" mapstructure:"interpreter"`
	Script        string        `toml:"script" mapstructure:"script"`
	WorkDir       string        `toml:"work_dir" mapstructure:"work_dir"`
	ImagePatterns []string      `toml:"image_patterns" mapstructure:"image_patterns"`
	ReapTimeout   time.Duration `toml:"reap_timeout" mapstructure:"reap_timeout"`
	CaptureOutput bool          `toml:"capture_output" mapstructure:"capture_output"`
	Env           []string      `toml:"env" mapstructure:"env"`
}

// LogConfig describes the tailed log file and, when output is captured, its rotation.
type LogConfig struct {
	Path            string        `toml:"path" mapstructure:"path"`
	Interval        time.Duration `toml:"interval" mapstructure:"interval"`
	Encodings       []string      `toml:"encodings" mapstructure:"encodings"`
	TruncateOnStart bool          `toml:"truncate_on_start" mapstructure:"truncate_on_start"`
	Watch           bool          `toml:"watch" mapstructure:"watch"`
	MaxReadBytes    int64         `toml:"max_read_bytes" mapstructure:"max_read_bytes"`
	MaxSizeMB       int           `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups      int           `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays      int           `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress        bool          `toml:"compress" mapstructure:"compress"`
}

// PanelLogConfig configures the panel's own diagnostic log.
type PanelLogConfig struct {
	File  string `toml:"file" mapstructure:"file"`
	Level string `toml:"level" mapstructure:"level"`
	Color bool   `toml:"color" mapstructure:"color"`
}

type SettingsConfig struct {
	Path string `toml:"path" mapstructure:"path"`
}

type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// ServerConfig enables the HTTP control API when Listen is set.
type ServerConfig struct {
	Listen         string        `toml:"listen" mapstructure:"listen"`
	BasePath       string        `toml:"base_path" mapstructure:"base_path"`
	Metrics        bool          `toml:"metrics" mapstructure:"metrics"`
	SampleInterval time.Duration `toml:"sample_interval" mapstructure:"sample_interval"`
	TLS            TLSConfig     `toml:"tls" mapstructure:"tls"`
}

// TLSConfig serves the control API over HTTPS. Explicit cert and key files
// win over Dir, which holds tls.crt and tls.key and may be self-signed on
// first use when AutoGenerate is set.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"` // "1.2" or "1.3"
	Hosts        []string `toml:"hosts" mapstructure:"hosts"`             // names and IPs of a generated cert
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

// DefaultInterpreter is the virtualenv interpreter for the current OS.
func DefaultInterpreter() string {
	if runtime.GOOS == "windows" {
		return filepath.Join("venv", "Scripts", "python.exe")
	}
	return filepath.Join("venv", "bin", "python")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.interpreter", DefaultInterpreter())
	v.SetDefault("worker.script", "main.py")
	v.SetDefault("worker.work_dir", "")
	v.SetDefault("worker.image_patterns", []string{"python*"})
	v.SetDefault("worker.reap_timeout", 3*time.Second)
	v.SetDefault("worker.capture_output", false)
	v.SetDefault("worker.env", []string{})

	v.SetDefault("log.path", filepath.Join("logs", "app.log"))
	v.SetDefault("log.interval", 500*time.Millisecond)
	v.SetDefault("log.encodings", []string{"utf-8", "gbk", "latin1"})
	v.SetDefault("log.truncate_on_start", true)
	v.SetDefault("log.watch", false)
	v.SetDefault("log.max_read_bytes", int64(4<<20))
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)

	v.SetDefault("panel_log.file", "")
	v.SetDefault("panel_log.level", "info")
	v.SetDefault("panel_log.color", true)

	v.SetDefault("settings.path", ".env")
	v.SetDefault("history.dsn", "")

	v.SetDefault("server.listen", "")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.metrics", true)
	v.SetDefault("server.sample_interval", 5*time.Second)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "1.3")
	v.SetDefault("server.tls.hosts", []string{"localhost", "127.0.0.1"})
	v.SetDefault("server.tls.valid_days", 365)
}

// Default returns the configuration used when no file and no overrides exist.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return &c
}

// Load reads path (TOML) on top of the defaults and applies WORKERPANEL_*
// environment overrides. An explicit path must exist; with an empty path a
// workerpanel.toml in the working directory is used when present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("toml")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFileName, ".toml"))
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return nil, fmt.Errorf("read config: %w", err)
			}
			slog.Debug("No config file, using defaults", "name", DefaultFileName)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.File = v.ConfigFileUsed()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects configurations the panel cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Worker.Interpreter) == "" {
		errs = append(errs, errors.New("worker.interpreter is required"))
	}
	if strings.TrimSpace(c.Worker.Script) == "" {
		errs = append(errs, errors.New("worker.script is required"))
	}
	if c.Worker.ReapTimeout <= 0 {
		errs = append(errs, fmt.Errorf("worker.reap_timeout must be positive, got %s", c.Worker.ReapTimeout))
	}
	if strings.TrimSpace(c.Log.Path) == "" {
		errs = append(errs, errors.New("log.path is required"))
	}
	if c.Log.Interval <= 0 {
		errs = append(errs, fmt.Errorf("log.interval must be positive, got %s", c.Log.Interval))
	}
	if len(c.Log.Encodings) == 0 {
		errs = append(errs, errors.New("log.encodings must not be empty"))
	}
	switch strings.ToLower(c.PanelLog.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("panel_log.level %q is not one of debug, info, warn, error", c.PanelLog.Level))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path %q must start with /", c.Server.BasePath))
	}
	if t := c.Server.TLS; t.Enabled {
		if (t.CertFile == "") != (t.KeyFile == "") {
			errs = append(errs, errors.New("server.tls.cert_file and key_file must be set together"))
		} else if t.CertFile == "" && t.Dir == "" {
			errs = append(errs, errors.New("server.tls needs cert_file and key_file or dir"))
		}
		switch t.MinVersion {
		case "", "1.2", "1.3":
		default:
			errs = append(errs, fmt.Errorf("server.tls.min_version %q is not 1.2 or 1.3", t.MinVersion))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SettingsPath resolves settings.path against the worker directory when relative.
func (c *Config) SettingsPath() string {
	return c.resolve(c.Settings.Path)
}

// LogPath resolves log.path against the worker directory when relative.
func (c *Config) LogPath() string {
	return c.resolve(c.Log.Path)
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Worker.WorkDir == "" {
		return p
	}
	return filepath.Join(c.Worker.WorkDir, p)
}
