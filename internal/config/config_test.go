package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgelesssys/go-sgx-qvl/verification/pcs"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestLoadDefaults(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	cfg, err := Load(viper.New(), "")
	require.NoError(err)

	assert.Equal(pcs.DefaultBaseURL, cfg.PCS.BaseURL)
	assert.Equal(pcs.UpdateEarly, cfg.PCS.Update)
	assert.Equal(30*time.Second, cfg.PCS.Timeout)
	assert.EqualValues(3, cfg.PCS.MaxRetries)
	assert.Empty(cfg.PCS.APIKey)
	assert.Equal("INFO", cfg.Log.Level)
	assert.Equal("logfmt", cfg.Log.Format)
	assert.Equal(":8080", cfg.Server.Address)
	assert.Equal(10*time.Second, cfg.Server.ReadTimeout)
}

func TestLoadPrecedence(t *testing.T) {
	configFile := `
pcs:
  base_url: https://pccs.example.com
  api_key: from-file
  update: standard
  timeout: 5s
log:
  level: debug
server:
  address: 127.0.0.1:9000
`

	testCases := map[string]struct {
		env       map[string]string
		args      []string
		wantKey   string
		wantLevel string
	}{
		"config file": {
			wantKey:   "from-file",
			wantLevel: "debug",
		},
		"environment overrides file": {
			env:       map[string]string{"SGX_QVL_PCS_API_KEY": "from-env"},
			wantKey:   "from-env",
			wantLevel: "debug",
		},
		"flag overrides environment": {
			env:       map[string]string{"SGX_QVL_PCS_API_KEY": "from-env"},
			args:      []string{"--pcs.api_key=from-flag", "--log.level=error"},
			wantKey:   "from-flag",
			wantLevel: "ERROR",
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(os.WriteFile(path, []byte(configFile), 0o600))
			for key, value := range tc.env {
				t.Setenv(key, value)
			}

			v := viper.New()
			fs := Flags()
			require.NoError(fs.Parse(tc.args))
			require.NoError(v.BindPFlags(fs))

			cfg, err := Load(v, path)
			require.NoError(err)
			assert.Equal(tc.wantKey, cfg.PCS.APIKey)
			assert.Equal(tc.wantLevel, cfg.Log.Level)
			assert.Equal("https://pccs.example.com", cfg.PCS.BaseURL)
			assert.Equal(pcs.UpdateStandard, cfg.PCS.Update)
			assert.Equal(5*time.Second, cfg.PCS.Timeout)
			assert.Equal("127.0.0.1:9000", cfg.Server.Address)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	testCases := map[string]struct {
		file string
		path string
	}{
		"missing file": {
			path: "does-not-exist.yaml",
		},
		"malformed file": {
			file: "pcs: [",
		},
		"invalid values": {
			file: "pcs:\n  update: sometimes\n",
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			path := filepath.Join(t.TempDir(), "config.yaml")
			if tc.path != "" {
				path = filepath.Join(t.TempDir(), tc.path)
			} else {
				require.NoError(os.WriteFile(path, []byte(tc.file), 0o600))
			}

			_, err := Load(viper.New(), path)
			assert.Error(err)
		})
	}
}

func TestValidate(t *testing.T) {
	assert := assert.New(t)

	cfg := Config{
		PCS: PCSConfig{
			BaseURL: "pcs.example.com",
			Update:  "sometimes",
		},
		Log: LogConfig{
			Level:  "verbose",
			Format: "JSON",
		},
		Server: ServerConfig{
			Address:     ":8080",
			ReadTimeout: time.Second,
		},
	}

	err := cfg.Validate()
	assert.Error(err)
	// base URL, update, timeout and log level
	assert.Len(multierr.Errors(err), 4)
}

func TestNewLogger(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var buf bytes.Buffer
	cfg := Config{Log: LogConfig{Level: "warn", Format: "json"}}
	log, err := cfg.NewLogger(&buf)
	require.NoError(err)

	log.Info("dropped")
	log.Warn("kept", "key", "value")
	assert.NotContains(buf.String(), "dropped")
	assert.Contains(buf.String(), `"key":"value"`)
}

func TestPCSClientConfig(t *testing.T) {
	assert := assert.New(t)

	cfg := Config{PCS: PCSConfig{
		BaseURL:    "https://pccs.example.com",
		APIKey:     "key",
		Update:     pcs.UpdateStandard,
		Timeout:    time.Second,
		MaxRetries: 7,
	}}

	pcsCfg := cfg.PCSClientConfig()
	assert.Equal("https://pccs.example.com", pcsCfg.BaseURL)
	assert.Equal("key", pcsCfg.APIKey)
	assert.Equal(pcs.UpdateStandard, pcsCfg.Update)
	assert.Equal(time.Second, pcsCfg.Timeout)
	assert.EqualValues(7, pcsCfg.MaxRetries)
	assert.Equal(pcs.DefaultConfig().RetryInterval, pcsCfg.RetryInterval)
}
