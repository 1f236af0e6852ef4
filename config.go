package wsdb

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// LoadServerConfig reads a ServerConfig from a config file; the format
// (json, yaml, toml, ini) is picked from the extension. section selects
// a subtree/ini-section, "" reads top-level keys. WSDB_* environment
// variables override file values.
func LoadServerConfig(path string, section string) (*ServerConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("WSDB")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, wrapError(ERR_VALIDATION, err)
	}
	if section != "" {
		sub := v.Sub(section)
		if sub == nil {
			return nil, newError(ERR_VALIDATION, "no section %q in %s", section, path)
		}
		v = sub
	}
	v.SetDefault("port", 8076)

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, wrapError(ERR_VALIDATION, err)
	}
	return &cfg, validateServerConfig(&cfg)
}

// LoadPoolOptions reads pool sizing, timeouts and ssl cache settings
// from a config file, in the same formats as LoadServerConfig. The
// Server field is filled from the same file's "server" subtree when
// present.
func LoadPoolOptions(path string) (*PoolOptions, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("WSDB")
	v.AutomaticEnv()

	v.SetDefault("maxSize", 5)
	v.SetDefault("startingSize", 1)
	v.SetDefault("idleTimeout", DEFAULT_IDLE_TIMEOUT)
	v.SetDefault("ssl.ttl", DEFAULT_SSL_CACHE_TTL)

	if err := v.ReadInConfig(); err != nil {
		return nil, wrapError(ERR_VALIDATION, err)
	}

	opts := &PoolOptions{
		MaxSize:      v.GetInt("maxSize"),
		StartingSize: v.GetInt("startingSize"),
		MinSize:      v.GetInt("minSize"),
		IdleTimeout:  v.GetDuration("idleTimeout"),
		ReapInterval: v.GetDuration("reapInterval"),
		Timeout:      v.GetDuration("timeout"),
		Props:        v.GetStringMapString("props"),
		SSL: SSLOptions{
			CacheEnabled: v.GetBool("ssl.cacheEnabled"),
			TTL:          v.GetDuration("ssl.ttl"),
			MaxEntries:   v.GetInt("ssl.maxEntries"),
		},
	}

	if v.IsSet("server") {
		var cfg ServerConfig
		if err := v.UnmarshalKey("server", &cfg); err != nil {
			return nil, wrapError(ERR_VALIDATION, err)
		}
		if cfg.Port == 0 {
			cfg.Port = 8076
		}
		if err := validateServerConfig(&cfg); err != nil {
			return nil, err
		}
		opts.Server = &cfg
	}

	return opts, nil
}

// ServerConfigFromEnvFiles loads credentials from .env-style files
// (later files win) and the process environment. Mostly used by tests
// and the CLI.
func ServerConfigFromEnvFiles(files ...string) (*ServerConfig, error) {
	for _, f := range files {
		if err := godotenv.Overload(f); err != nil {
			return nil, wrapError(ERR_VALIDATION, err)
		}
	}

	port := 8076
	if raw := os.Getenv("WSDB_PORT"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, newError(ERR_VALIDATION, "WSDB_PORT %q is not a number", raw)
		}
		port = n
	}

	cfg := &ServerConfig{
		Host:               os.Getenv("WSDB_HOST"),
		Port:               port,
		User:               os.Getenv("WSDB_USER"),
		Password:           os.Getenv("WSDB_PASSWORD"),
		IgnoreUnauthorized: os.Getenv("WSDB_IGNORE_UNAUTHORIZED") == "true",
		CA:                 os.Getenv("WSDB_CA"),
	}
	return cfg, validateServerConfig(cfg)
}

func validateServerConfig(cfg *ServerConfig) error {
	if cfg.Host == "" {
		return newError(ERR_VALIDATION, "host not provided")
	}
	if cfg.User == "" {
		return newError(ERR_VALIDATION, "user not provided")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return newError(ERR_VALIDATION, "port %d out of range", cfg.Port)
	}
	return nil
}
