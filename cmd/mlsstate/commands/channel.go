package commands

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/guildline/mls/bootstrap"
	"github.com/guildline/mls/domain"
	"github.com/guildline/mls/exportkey"
	"github.com/guildline/mls/storage/postgres"
	"github.com/guildline/mls/transport/natsx"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
)

// openBootstrap wires a bootstrap client to the postgres roster and
// key-package directory, the configured mailbox and NATS.
func openBootstrap(ctx context.Context) (*bootstrap.Client, func(), error) {
	if cfg.Storage.PostgresDSN == "" {
		return nil, nil, errors.New("bootstrap needs storage.postgres_dsn for the roster and key-package directory")
	}

	var closers []func()
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	m, closeManager, err := openManager(ctx)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, closeManager)

	dir, err := postgres.New(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		release()
		return nil, nil, err
	}
	closers = append(closers, dir.Close)

	mb, closeMailbox, err := openMailbox(ctx)
	if err != nil {
		release()
		return nil, nil, err
	}
	closers = append(closers, closeMailbox)

	nc, err := natsx.Connect(natsx.Config{
		URL:           cfg.Nats.URL,
		Name:          "mlsstate",
		SubjectPrefix: cfg.Nats.SubjectPrefix,
	})
	if err != nil {
		release()
		return nil, nil, err
	}
	closers = append(closers, func() {
		nc.Flush()
		nc.Close()
	})

	c, err := bootstrap.NewClient(cfg.BootstrapConfig(), bootstrap.Collaborators{
		Sessions:  m,
		Mailbox:   mb,
		Roster:    dir,
		Directory: dir,
		Outbox:    nc,
		Hints:     nc,
	})
	if err != nil {
		release()
		return nil, nil, err
	}
	return c, release, nil
}

func sendCmd() *cobra.Command {
	var guild, channel int64

	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Bootstrap the channel group if needed and print the encrypted message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			c, release, err := openBootstrap(ctx)
			if err != nil {
				return err
			}
			defer release()

			ct, err := c.Send(ctx, domain.GuildID(guild), domain.ChannelID(channel), []byte(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(hex.EncodeToString(ct))
			return nil
		},
	}

	cmd.Flags().Int64Var(&guild, "guild", 0, "guild id")
	cmd.Flags().Int64Var(&channel, "channel", 0, "channel id")
	return cmd
}

func voiceKeyCmd() *cobra.Command {
	var (
		guild, channel int64
		purpose        string
	)

	cmd := &cobra.Command{
		Use:   "voicekey",
		Short: "Print the external key derived from a channel's current epoch",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			m, release, err := openManager(ctx)
			if err != nil {
				return err
			}
			defer release()

			g, c := domain.GuildID(guild), domain.ChannelID(channel)
			d := exportkey.NewDeriver(m, cfg.Voice.KeyLength, cfg.Voice.CacheTTL)
			key, err := d.DeriveExternalKey(ctx, g, c, purpose)
			if err != nil {
				return err
			}
			epoch, err := m.Epoch(ctx, g, c)
			if err != nil {
				return err
			}
			jww.DEBUG.Printf("derived %d-byte %s key for guild %d channel %d", len(key), purpose, g, c)
			fmt.Printf("epoch %d: %s\n", epoch, hex.EncodeToString(key))
			return nil
		},
	}

	cmd.Flags().Int64Var(&guild, "guild", 0, "guild id")
	cmd.Flags().Int64Var(&channel, "channel", 0, "channel id")
	cmd.Flags().StringVar(&purpose, "purpose", "voice", "key purpose label")
	return cmd
}
