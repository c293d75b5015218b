package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.Nil(t, err)

	require.Equal(t, "bolt", cfg.Storage.Backend)
	require.Equal(t, 5, cfg.Bootstrap.WelcomePollAttempts)
	require.Equal(t, 200*time.Millisecond, cfg.Bootstrap.WelcomePollBase)
	require.Equal(t, 2*time.Second, cfg.Bootstrap.WelcomePollMax)
	require.Equal(t, 32, cfg.Voice.KeyLength)
	require.Equal(t, 5*time.Minute, cfg.Voice.CacheTTL)

	b := cfg.BootstrapConfig()
	require.Equal(t, cfg.Bootstrap.EchoTTL, b.EchoTTL)
}

func TestFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mls.yaml")
	require.Nil(t, os.WriteFile(path, []byte(`
device:
  user: 42
  device: laptop
storage:
  backend: postgres
  postgres_dsn: postgres://localhost/mls
bootstrap:
  welcome_poll_base: 50ms
`), 0600))

	t.Setenv("MLS_BOOTSTRAP_WELCOME_POLL_ATTEMPTS", "9")

	cfg, err := Load(viper.New(), path)
	require.Nil(t, err)

	require.EqualValues(t, 42, cfg.UserID())
	require.EqualValues(t, "laptop", cfg.DeviceID())
	require.Equal(t, "postgres", cfg.Storage.Backend)
	require.Equal(t, 50*time.Millisecond, cfg.Bootstrap.WelcomePollBase)
	require.Equal(t, 9, cfg.Bootstrap.WelcomePollAttempts)
}

func TestValidation(t *testing.T) {
	for _, tc := range []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"MLS_STORAGE_BACKEND": "sqlite"}},
		{"ekv without password", map[string]string{"MLS_STORAGE_BACKEND": "ekv"}},
		{"postgres without dsn", map[string]string{"MLS_STORAGE_BACKEND": "postgres"}},
		{"no poll attempts", map[string]string{"MLS_BOOTSTRAP_WELCOME_POLL_ATTEMPTS": "0"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(viper.New(), "")
			require.Error(t, err)
		})
	}
}
