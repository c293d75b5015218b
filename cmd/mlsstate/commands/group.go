package commands

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/guildline/mls/domain"
	"github.com/guildline/mls/storage/postgres"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func inspectCmd() *cobra.Command {
	var guild, channel int64

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the epoch and members of a persisted group",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			m, release, err := openManager(ctx)
			if err != nil {
				return err
			}
			defer release()

			g, c := domain.GuildID(guild), domain.ChannelID(channel)

			persisted, err := m.HasPersistedGroupState(ctx, g, c)
			if err != nil {
				return err
			}
			if !persisted {
				fmt.Printf("no group state for guild %d channel %d\n", g, c)
				return nil
			}

			epoch, err := m.Epoch(ctx, g, c)
			if err != nil {
				return err
			}
			members, err := m.Members(ctx, g, c)
			if err != nil {
				return err
			}

			fmt.Printf("guild %d channel %d: %s\n", g, c, domain.RoomName(g, c))
			fmt.Printf("epoch: %d\n", epoch)
			for _, member := range members {
				fmt.Printf("member: %s\n", member)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&guild, "guild", 0, "guild id")
	cmd.Flags().Int64Var(&channel, "channel", 0, "channel id")
	return cmd
}

func resetCmd() *cobra.Command {
	var (
		guild, channel int64
		all            bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete persisted group state for one channel or the whole device",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			m, release, err := openManager(ctx)
			if err != nil {
				return err
			}
			defer release()

			if all {
				if err := m.ResetAllGroupStatesForDevice(ctx); err != nil {
					return err
				}
				fmt.Println("reset all group state for this device")
				return nil
			}

			if guild == 0 || channel == 0 {
				return errors.New("--guild and --channel are required without --all")
			}

			existed, err := m.ResetChannelGroupState(ctx, domain.GuildID(guild), domain.ChannelID(channel))
			if err != nil {
				return err
			}
			fmt.Printf("reset guild %d channel %d (state existed: %t)\n", guild, channel, existed)
			return nil
		},
	}

	cmd.Flags().Int64Var(&guild, "guild", 0, "guild id")
	cmd.Flags().Int64Var(&channel, "channel", 0, "channel id")
	cmd.Flags().BoolVar(&all, "all", false, "reset every group of this device")
	return cmd
}

func keyPackageCmd() *cobra.Command {
	var (
		guild   int64
		publish bool
	)

	cmd := &cobra.Command{
		Use:   "keypackage",
		Short: "Issue a fresh key package for this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			m, release, err := openManager(ctx)
			if err != nil {
				return err
			}
			defer release()

			kp, err := m.KeyPackage(domain.GuildID(guild))
			if err != nil {
				return err
			}

			if publish {
				if cfg.Storage.PostgresDSN == "" {
					return errors.New("publishing needs storage.postgres_dsn")
				}
				dir, err := postgres.New(ctx, cfg.Storage.PostgresDSN)
				if err != nil {
					return err
				}
				defer dir.Close()
				if err := dir.Migrate(ctx); err != nil {
					return err
				}
				if err := dir.PublishKeyPackage(ctx, domain.GuildID(guild), cfg.UserID(), kp); err != nil {
					return err
				}
			}

			fmt.Println(hex.EncodeToString(kp))
			return nil
		},
	}

	cmd.Flags().Int64Var(&guild, "guild", 0, "guild id")
	cmd.Flags().BoolVar(&publish, "publish", false, "publish to the postgres key-package directory")
	return cmd
}
