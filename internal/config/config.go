// Package config loads the configuration of the sgx-qvl tool.
//
// Values are read, in increasing precedence, from defaults, a config file,
// environment variables prefixed with SGX_QVL_ and command line flags.
// Keys are nested with dots: the flag --pcs.api_key and the variable SGX_QVL_PCS_API_KEY
// set the same value.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/edgelesssys/go-sgx-qvl/internal/logging"
	"github.com/edgelesssys/go-sgx-qvl/verification/pcs"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "SGX_QVL"

// Configuration keys.
const (
	CfgPCSBaseURL        = "pcs.base_url"
	CfgPCSAPIKey         = "pcs.api_key"
	CfgPCSUpdate         = "pcs.update"
	CfgPCSTimeout        = "pcs.timeout"
	CfgPCSMaxRetries     = "pcs.max_retries"
	CfgLogLevel          = "log.level"
	CfgLogFormat         = "log.format"
	CfgServerAddress     = "server.address"
	CfgServerReadTimeout = "server.read_timeout"
)

// Config is the configuration of the sgx-qvl tool.
type Config struct {
	PCS    PCSConfig    `mapstructure:"pcs"`
	Log    LogConfig    `mapstructure:"log"`
	Server ServerConfig `mapstructure:"server"`
}

// PCSConfig configures the connection to Intel's PCS, or a compatible caching service.
type PCSConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Update     string        `mapstructure:"update"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries uint64        `mapstructure:"max_retries"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig configures the verification service.
type ServerConfig struct {
	Address     string        `mapstructure:"address"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// Flags returns a flag set for all configuration keys, with their defaults.
// Bind it to a viper instance before calling Load.
func Flags() *flag.FlagSet {
	defaults := pcs.DefaultConfig()
	logLevel := logging.LevelInfo
	logFormat := logging.FmtLogfmt

	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.String(CfgPCSBaseURL, defaults.BaseURL, "base URL of the PCS")
	fs.String(CfgPCSAPIKey, "", "PCS subscription key")
	fs.String(CfgPCSUpdate, defaults.Update, "TCB recovery timeline of the collateral [early,standard]")
	fs.Duration(CfgPCSTimeout, defaults.Timeout, "timeout of a single PCS request")
	fs.Uint64(CfgPCSMaxRetries, defaults.MaxRetries, "retries of PCS requests failing with 429 or 5xx")
	fs.Var(&logLevel, CfgLogLevel, "log level")
	fs.Var(&logFormat, CfgLogFormat, "log format")
	fs.String(CfgServerAddress, ":8080", "listen address of the verification service")
	fs.Duration(CfgServerReadTimeout, 10*time.Second, "read timeout of the verification service")
	return fs
}

// SetDefaults sets the defaults of all configuration keys.
func SetDefaults(v *viper.Viper) {
	Flags().VisitAll(func(f *flag.Flag) {
		v.SetDefault(f.Name, f.DefValue)
	})
}

// Load reads the configuration from viper. If configFile is set, it is read first.
func Load(v *viper.Viper, configFile string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration and returns all problems found.
func (c Config) Validate() error {
	var err error

	if u, parseErr := url.Parse(c.PCS.BaseURL); parseErr != nil {
		err = multierr.Append(err, fmt.Errorf("%s: %w", CfgPCSBaseURL, parseErr))
	} else if u.Scheme == "" || u.Host == "" {
		err = multierr.Append(err, fmt.Errorf("%s: %q is not an absolute URL", CfgPCSBaseURL, c.PCS.BaseURL))
	}
	if c.PCS.Update != pcs.UpdateEarly && c.PCS.Update != pcs.UpdateStandard {
		err = multierr.Append(err, fmt.Errorf("%s: must be %q or %q, got %q", CfgPCSUpdate, pcs.UpdateEarly, pcs.UpdateStandard, c.PCS.Update))
	}
	if c.PCS.Timeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s: must be positive", CfgPCSTimeout))
	}

	var lvl logging.Level
	if lvlErr := lvl.Set(c.Log.Level); lvlErr != nil {
		err = multierr.Append(err, fmt.Errorf("%s: %w", CfgLogLevel, lvlErr))
	}
	var format logging.Format
	if fmtErr := format.Set(c.Log.Format); fmtErr != nil {
		err = multierr.Append(err, fmt.Errorf("%s: %w", CfgLogFormat, fmtErr))
	}

	if c.Server.Address == "" {
		err = multierr.Append(err, errors.New(CfgServerAddress+": must not be empty"))
	}
	if c.Server.ReadTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s: must be positive", CfgServerReadTimeout))
	}

	return err
}

// PCSClientConfig returns the configuration of the PCS client.
func (c Config) PCSClientConfig() pcs.Config {
	cfg := pcs.DefaultConfig()
	cfg.BaseURL = c.PCS.BaseURL
	cfg.APIKey = c.PCS.APIKey
	cfg.Update = c.PCS.Update
	cfg.Timeout = c.PCS.Timeout
	cfg.MaxRetries = c.PCS.MaxRetries
	return cfg
}

// NewLogger creates a logger writing to w as configured.
func (c Config) NewLogger(w io.Writer) (*logging.Logger, error) {
	var lvl logging.Level
	if err := lvl.Set(c.Log.Level); err != nil {
		return nil, err
	}
	var format logging.Format
	if err := format.Set(c.Log.Format); err != nil {
		return nil, err
	}
	return logging.New(w, format, lvl)
}
