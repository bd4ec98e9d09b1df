package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// StoreMemory keeps forecasts in process.
	StoreMemory = "memory"
	// StorePostgres reads and writes the prevision_cp table directly.
	StorePostgres = "postgres"
	// StoreREST goes through the hosted REST endpoint.
	StoreREST = "rest"

	defaultStore           = StoreMemory
	defaultActor           = "ordonnateur"
	defaultRESTTimeout     = 10 * time.Second
	defaultListen          = ":8080"
	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = 15 * time.Second
	defaultLocale          = "fr"
	defaultCurrency        = "DZD"
	defaultLogMaxSizeBytes = 10 * 1024 * 1024
	defaultLogMaxFiles     = 5
)

// Config stores runtime settings loaded from TOML files and the environment.
type Config struct {
	Store           string
	Actor           string
	Postgres        PostgresConfig
	REST            RESTConfig
	Server          ServerConfig
	Display         DisplayConfig
	OTelEndpoint    string
	LogMaxSizeBytes int64
	LogMaxFiles     int
}

// PostgresConfig holds the lib/pq connection string.
type PostgresConfig struct {
	DSN string
}

// RESTConfig locates the hosted REST endpoint.
type RESTConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// ServerConfig configures `cpflow serve`.
type ServerConfig struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DisplayConfig selects how amounts are rendered.
type DisplayConfig struct {
	Locale   string
	Currency string
}

type fileConfig struct {
	Store        *string        `toml:"store"`
	Actor        *string        `toml:"actor"`
	Postgres     *postgresTable `toml:"postgres"`
	REST         *restTable     `toml:"rest"`
	Server       *serverTable   `toml:"server"`
	Display      *displayTable  `toml:"display"`
	OTel         *otelTable     `toml:"otel"`
	LogMaxSizeMB *int           `toml:"log_max_size_mb"`
	LogMaxFiles  *int           `toml:"log_max_files"`
}

type postgresTable struct {
	DSN *string `toml:"dsn"`
}

type restTable struct {
	BaseURL *string `toml:"base_url"`
	APIKey  *string `toml:"api_key"`
	Timeout *string `toml:"timeout"`
}

type serverTable struct {
	Listen       *string `toml:"listen"`
	ReadTimeout  *string `toml:"read_timeout"`
	WriteTimeout *string `toml:"write_timeout"`
}

type displayTable struct {
	Locale   *string `toml:"locale"`
	Currency *string `toml:"currency"`
}

type otelTable struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads ~/.cpflow/config.toml, overlays a project-local
// .cpflow/config.toml, then applies CPFLOW_* environment overrides.
func Load(ctx context.Context) (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".cpflow", "config.toml"),
		filepath.Join(workingDir, ".cpflow", "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	_ = ctx
	return &cfg, nil
}

// Validate checks that the selected store has what it needs to connect.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			return errors.New("store \"postgres\" requires [postgres] dsn or CPFLOW_DATABASE_URL")
		}
	case StoreREST:
		if strings.TrimSpace(c.REST.BaseURL) == "" {
			return errors.New("store \"rest\" requires [rest] base_url or CPFLOW_REST_URL")
		}
	default:
		return fmt.Errorf("unsupported store %q (want memory, postgres or rest)", c.Store)
	}
	return nil
}

func defaults() Config {
	return Config{
		Store: defaultStore,
		Actor: defaultActor,
		REST: RESTConfig{
			Timeout: defaultRESTTimeout,
		},
		Server: ServerConfig{
			Listen:       defaultListen,
			ReadTimeout:  defaultReadTimeout,
			WriteTimeout: defaultWriteTimeout,
		},
		Display: DisplayConfig{
			Locale:   defaultLocale,
			Currency: defaultCurrency,
		},
		LogMaxSizeBytes: defaultLogMaxSizeBytes,
		LogMaxFiles:     defaultLogMaxFiles,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unsupported key %q", path, undecoded[0].String())
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyLogOverrides(cfg, decoded, path); err != nil {
		return err
	}

	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.Store != nil {
		cfg.Store = normalizeKey(*decoded.Store)
	}
	if decoded.Actor != nil {
		cfg.Actor = strings.TrimSpace(*decoded.Actor)
	}
	if decoded.Postgres != nil && decoded.Postgres.DSN != nil {
		cfg.Postgres.DSN = strings.TrimSpace(*decoded.Postgres.DSN)
	}
	if decoded.REST != nil {
		if decoded.REST.BaseURL != nil {
			cfg.REST.BaseURL = strings.TrimSpace(*decoded.REST.BaseURL)
		}
		if decoded.REST.APIKey != nil {
			cfg.REST.APIKey = strings.TrimSpace(*decoded.REST.APIKey)
		}
	}
	if decoded.Server != nil && decoded.Server.Listen != nil {
		cfg.Server.Listen = strings.TrimSpace(*decoded.Server.Listen)
	}
	if decoded.Display != nil {
		if decoded.Display.Locale != nil {
			cfg.Display.Locale = strings.TrimSpace(*decoded.Display.Locale)
		}
		if decoded.Display.Currency != nil {
			cfg.Display.Currency = strings.ToUpper(strings.TrimSpace(*decoded.Display.Currency))
		}
	}
	if decoded.OTel != nil && decoded.OTel.Endpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTel.Endpoint)
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.REST != nil && decoded.REST.Timeout != nil {
		value, err := parseDuration(*decoded.REST.Timeout, "rest.timeout", path)
		if err != nil {
			return err
		}
		cfg.REST.Timeout = value
	}
	if decoded.Server != nil {
		if decoded.Server.ReadTimeout != nil {
			value, err := parseDuration(*decoded.Server.ReadTimeout, "server.read_timeout", path)
			if err != nil {
				return err
			}
			cfg.Server.ReadTimeout = value
		}
		if decoded.Server.WriteTimeout != nil {
			value, err := parseDuration(*decoded.Server.WriteTimeout, "server.write_timeout", path)
			if err != nil {
				return err
			}
			cfg.Server.WriteTimeout = value
		}
	}
	return nil
}

func applyLogOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.LogMaxSizeMB != nil {
		if *decoded.LogMaxSizeMB <= 0 {
			return fmt.Errorf("parse log_max_size_mb in %q: must be > 0", path)
		}
		cfg.LogMaxSizeBytes = int64(*decoded.LogMaxSizeMB) * 1024 * 1024
	}
	if decoded.LogMaxFiles != nil {
		if *decoded.LogMaxFiles <= 0 {
			return fmt.Errorf("parse log_max_files in %q: must be > 0", path)
		}
		cfg.LogMaxFiles = *decoded.LogMaxFiles
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		key    string
		target *string
		clean  func(string) string
	}{
		{key: "CPFLOW_STORE", target: &cfg.Store, clean: normalizeKey},
		{key: "CPFLOW_DATABASE_URL", target: &cfg.Postgres.DSN, clean: strings.TrimSpace},
		{key: "CPFLOW_REST_URL", target: &cfg.REST.BaseURL, clean: strings.TrimSpace},
		{key: "CPFLOW_REST_API_KEY", target: &cfg.REST.APIKey, clean: strings.TrimSpace},
		{key: "CPFLOW_LISTEN", target: &cfg.Server.Listen, clean: strings.TrimSpace},
	}
	for _, override := range overrides {
		if value := override.clean(os.Getenv(override.key)); value != "" {
			*override.target = value
		}
	}
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return parsed, nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
