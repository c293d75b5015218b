package commands

import (
	"context"
	"io/ioutil"
	"log"
	"os"

	"github.com/guildline/mls/internal/config"
	"github.com/guildline/mls/session"
	"github.com/guildline/mls/storage/bolt"
	"github.com/guildline/mls/storage/ekvstore"
	"github.com/guildline/mls/storage/memory"
	"github.com/guildline/mls/storage/postgres"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
)

var (
	cfgPath string
	cfg     *config.Config
)

func Execute() error {
	root := &cobra.Command{
		Use:           "mlsstate",
		Short:         "Inspect and repair persisted MLS group state",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}

			var err error
			cfg, err = config.Load(v, cfgPath)
			if err != nil {
				return err
			}
			initLog(cfg.LogLevel, cfg.LogPath)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file")
	root.PersistentFlags().Int64("device.user", 0, "user id of this device")
	root.PersistentFlags().String("device.device", "", "device id")
	root.PersistentFlags().String("storage.backend", "", "memory, bolt, ekv or postgres")
	root.PersistentFlags().Uint("log_level", 0, "0 info, 1 debug, 2 trace")

	root.AddCommand(inspectCmd(), resetCmd(), keyPackageCmd(), joinCmd(), relayCmd(), sendCmd(), voiceKeyCmd())
	return root.Execute()
}

func initLog(threshold uint, logPath string) {
	if logPath != "-" && logPath != "" {
		jww.SetStdoutOutput(ioutil.Discard)
		logOutput, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			panic(err.Error())
		}
		jww.SetLogOutput(logOutput)
	}

	switch {
	case threshold > 1:
		jww.SetStdoutThreshold(jww.LevelTrace)
		jww.SetLogThreshold(jww.LevelTrace)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	case threshold == 1:
		jww.SetStdoutThreshold(jww.LevelDebug)
		jww.SetLogThreshold(jww.LevelDebug)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	default:
		jww.SetStdoutThreshold(jww.LevelInfo)
		jww.SetLogThreshold(jww.LevelInfo)
	}
}

type deviceStore interface {
	session.SnapshotStore
	session.IdentityStore
}

// openStore returns the configured device store and a function that
// releases it.
func openStore(ctx context.Context) (deviceStore, func(), error) {
	switch cfg.Storage.Backend {
	case "memory":
		return struct {
			*memory.Snapshots
			*memory.Identities
		}{memory.NewSnapshots(), memory.NewIdentities()}, func() {}, nil

	case "bolt":
		s, err := bolt.New(cfg.Storage.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case "ekv":
		s, err := ekvstore.Open(cfg.Storage.EkvDir, cfg.Storage.EkvPassword)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil

	case "postgres":
		s, err := postgres.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, errors.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func openManager(ctx context.Context) (*session.Manager, func(), error) {
	store, release, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	m, err := session.NewManager(ctx, cfg.UserID(), cfg.DeviceID(), store, store)
	if err != nil {
		release()
		return nil, nil, err
	}
	return m, release, nil
}
