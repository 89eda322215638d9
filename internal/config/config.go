// Package config loads the server configuration.
//
// Values come from, in increasing precedence: built-in defaults, an
// optional config.yaml (in "." or "./config", or an explicit path), and
// environment variables prefixed CODEEXEC_ with dots replaced by
// underscores, e.g. CODEEXEC_SANDBOX_RUN_TIMEOUT=3s. The older PORT,
// DB_PATH and JWT_SECRET variables are still honored.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "CODEEXEC"

// ResponseMargin is kept between the execution routes' request deadline and
// server.write_timeout, so a request that ran out of time can still be
// answered.
const ResponseMargin = time.Second

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	Path   string `mapstructure:"path"`   // sqlite file
	URL    string `mapstructure:"url"`    // postgres connection string
}

type SandboxConfig struct {
	Backend           string        `mapstructure:"backend"` // docker or local
	Image             string        `mapstructure:"image"`
	ContainerName     string        `mapstructure:"container_name"`
	ManageContainer   bool          `mapstructure:"manage_container"`
	StagingDir        string        `mapstructure:"staging_dir"`
	MountSource       string        `mapstructure:"mount_source"` // host path of staging_dir as the daemon sees it
	SandboxRoot       string        `mapstructure:"sandbox_root"`
	RunTimeout        time.Duration `mapstructure:"run_timeout"`
	CompileTimeout    time.Duration `mapstructure:"compile_timeout"`
	KillGrace         time.Duration `mapstructure:"kill_grace"`
	MemoryMB          int64         `mapstructure:"memory_mb"`
	CPUs              float64       `mapstructure:"cpus"`
	PidsLimit         int64         `mapstructure:"pids_limit"`
	User              string        `mapstructure:"user"`
	MaxOutputBytes    int           `mapstructure:"max_output_bytes"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	SuperviseInterval time.Duration `mapstructure:"supervise_interval"`
}

type AuthConfig struct {
	// JWTSecret enables token checks on the artifact routes. Empty disables
	// authentication.
	JWTSecret string `mapstructure:"jwt_secret"`
}

type RateLimitConfig struct {
	GlobalRPS     float64 `mapstructure:"global_rps"`
	PerIPRPS      float64 `mapstructure:"per_ip_rps"`
	PerIPBurst    int     `mapstructure:"per_ip_burst"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
}

type LoggingConfig struct {
	Format string `mapstructure:"format"` // text, json or console
	Level  string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/codeexec.db")
	v.SetDefault("database.url", "")

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.image", "codeexec-runtime:latest")
	v.SetDefault("sandbox.container_name", "code-exec")
	v.SetDefault("sandbox.manage_container", true)
	v.SetDefault("sandbox.staging_dir", "data/workspaces")
	v.SetDefault("sandbox.mount_source", "")
	v.SetDefault("sandbox.sandbox_root", "/code")
	v.SetDefault("sandbox.run_timeout", 5*time.Second)
	v.SetDefault("sandbox.compile_timeout", 10*time.Second)
	v.SetDefault("sandbox.kill_grace", 2*time.Second)
	v.SetDefault("sandbox.memory_mb", 512)
	v.SetDefault("sandbox.cpus", 1.0)
	v.SetDefault("sandbox.pids_limit", 256)
	v.SetDefault("sandbox.user", "nobody")
	v.SetDefault("sandbox.max_output_bytes", 1<<20)
	v.SetDefault("sandbox.stale_after", time.Hour)
	v.SetDefault("sandbox.supervise_interval", 15*time.Second)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("ratelimit.global_rps", 100.0)
	v.SetDefault("ratelimit.per_ip_rps", 10.0)
	v.SetDefault("ratelimit.per_ip_burst", 20)
	v.SetDefault("ratelimit.max_concurrent", 50)

	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.level", "info")
}

// legacyEnv maps keys to the unprefixed variables earlier deployments used.
var legacyEnv = map[string]string{
	"server.port":     "PORT",
	"database.path":   "DB_PATH",
	"auth.jwt_secret": "JWT_SECRET",
}

// Load reads the configuration. path names an explicit config file; when
// empty, config.yaml is looked up in "." and "./config" and may be absent.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		// The prefixed name wins over the legacy one.
		if err := v.BindEnv(key, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy); err != nil {
			return nil, fmt.Errorf("binding %s: %w", legacy, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database.driver: %q, must be 'sqlite' or 'postgres'", c.Database.Driver)
	}

	s := c.Sandbox
	switch s.Backend {
	case "docker", "local":
	default:
		return fmt.Errorf("unsupported sandbox.backend: %q, must be 'docker' or 'local'", s.Backend)
	}
	if s.StagingDir == "" {
		return errors.New("sandbox.staging_dir is required")
	}

	positive := []struct {
		name string
		ok   bool
	}{
		{"sandbox.run_timeout", s.RunTimeout > 0},
		{"sandbox.compile_timeout", s.CompileTimeout > 0},
		{"sandbox.kill_grace", s.KillGrace > 0},
		{"sandbox.memory_mb", s.MemoryMB > 0},
		{"sandbox.cpus", s.CPUs > 0},
		{"sandbox.pids_limit", s.PidsLimit > 0},
		{"sandbox.max_output_bytes", s.MaxOutputBytes > 0},
		{"sandbox.stale_after", s.StaleAfter > 0},
		{"sandbox.supervise_interval", s.SuperviseInterval > 0},
		{"ratelimit.global_rps", c.RateLimit.GlobalRPS > 0},
		{"ratelimit.per_ip_rps", c.RateLimit.PerIPRPS > 0},
		{"ratelimit.per_ip_burst", c.RateLimit.PerIPBurst > 0},
		{"ratelimit.max_concurrent", c.RateLimit.MaxConcurrent > 0},
	}
	for _, p := range positive {
		if !p.ok {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}

	// A response can only be written after compile and run both finish.
	if budget := s.CompileTimeout + s.RunTimeout + 2*s.KillGrace + ResponseMargin; c.Server.WriteTimeout < budget {
		return fmt.Errorf("server.write_timeout (%s) must cover compile_timeout + run_timeout + 2*kill_grace + %s (%s)",
			c.Server.WriteTimeout, ResponseMargin, budget)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		return errors.New("auth.jwt_secret must be at least 16 characters")
	}

	switch c.Logging.Format {
	case "text", "json", "console":
	default:
		return fmt.Errorf("invalid logging.format: %q, must be 'text', 'json' or 'console'", c.Logging.Format)
	}
	return nil
}
