package commands

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/guildline/mls"
	"github.com/guildline/mls/internal/config"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, backend string) *config.Config {
	return &config.Config{
		Device: config.Device{User: 1, Device: "d1"},
		Storage: config.Storage{
			Backend:  backend,
			BoltPath: filepath.Join(t.TempDir(), "mls.db"),
		},
		Voice: config.Voice{KeyLength: 16, CacheTTL: time.Minute},
	}
}

func run(cmd *cobra.Command, args ...string) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestVoiceKey(t *testing.T) {
	cfg = testConfig(t, "bolt")
	ctx := context.Background()

	err := run(voiceKeyCmd(), "--guild", "7", "--channel", "13")
	require.ErrorIs(t, err, mls.ErrMissingMlsGroup)

	m, release, err := openManager(ctx)
	require.Nil(t, err)
	require.Nil(t, m.CreateGroup(ctx, 7, 13))
	release()

	require.Nil(t, run(voiceKeyCmd(), "--guild", "7", "--channel", "13", "--purpose", "screen"))
}

func TestSendNeedsDirectory(t *testing.T) {
	cfg = testConfig(t, "memory")

	err := run(sendCmd(), "--guild", "7", "--channel", "13", "hello")
	require.ErrorContains(t, err, "postgres_dsn")
}
