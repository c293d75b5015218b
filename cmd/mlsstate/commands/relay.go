package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guildline/mls"
	"github.com/guildline/mls/bootstrap"
	"github.com/guildline/mls/domain"
	"github.com/guildline/mls/internal/metrics"
	"github.com/guildline/mls/session"
	"github.com/guildline/mls/storage/postgres"
	mlsredis "github.com/guildline/mls/storage/redis"
	"github.com/guildline/mls/transport/natsx"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
)

func relayCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay bootstrap requests as guild events and serve metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			metrics.Init()

			nc, err := natsx.Connect(natsx.Config{
				URL:           cfg.Nats.URL,
				Name:          "mlsstate-relay",
				SubjectPrefix: cfg.Nats.SubjectPrefix,
			})
			if err != nil {
				return err
			}
			defer nc.Close()

			sub, err := nc.ServeBootstrapRequests()
			if err != nil {
				return errors.WithMessage(err, "subscribing to bootstrap requests")
			}
			defer sub.Unsubscribe()

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			go func() {
				jww.INFO.Printf("[Relay] serving metrics on %s", listen)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					jww.ERROR.Printf("[Relay] metrics server: %v", err)
				}
			}()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":9464", "metrics listen address")
	return cmd
}

// openMailbox prefers Redis when an address is configured.
func openMailbox(ctx context.Context) (bootstrap.Mailbox, func(), error) {
	if cfg.Storage.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Storage.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, errors.WithMessagef(err, "connecting to redis at %s", cfg.Storage.RedisAddr)
		}
		return mlsredis.NewMailbox(rdb, cfg.Bootstrap.WelcomeRetention), func() { rdb.Close() }, nil
	}
	if cfg.Storage.PostgresDSN != "" {
		s, err := postgres.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, errors.New("no pending-welcome mailbox configured (storage.redis_addr or storage.postgres_dsn)")
}

func joinCmd() *cobra.Command {
	var guild, channel int64

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Claim the newest pending welcome for a channel and join its group",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			g, c := domain.GuildID(guild), domain.ChannelID(channel)

			m, release, err := openManager(ctx)
			if err != nil {
				return err
			}
			defer release()

			active, err := m.IsActive(ctx, g, c)
			if err != nil {
				return err
			}
			if active {
				jww.INFO.Printf("guild %d channel %d already has an active group", g, c)
				return nil
			}

			mb, closeMailbox, err := openMailbox(ctx)
			if err != nil {
				return err
			}
			defer closeMailbox()

			return claimAndJoin(ctx, m, mb, g, c)
		},
	}

	cmd.Flags().Int64Var(&guild, "guild", 0, "guild id")
	cmd.Flags().Int64Var(&channel, "channel", 0, "channel id")
	return cmd
}

func claimAndJoin(ctx context.Context, m *session.Manager, mb bootstrap.Mailbox, g domain.GuildID, c domain.ChannelID) error {
	claimed, err := mb.Claim(ctx, g, c, m.User())
	if err != nil {
		return err
	}
	if claimed == nil {
		return errors.Errorf("no pending welcome for guild %d channel %d", g, c)
	}
	if err := m.JoinFromWelcome(ctx, g, c, claimed.Welcome); err != nil {
		if errors.Is(err, mls.ErrAlreadyInitialized) {
			jww.INFO.Printf("guild %d channel %d was joined while the welcome was claimed", g, c)
			return nil
		}
		return errors.WithMessage(err, "joining from claimed welcome")
	}
	jww.INFO.Printf("joined guild %d channel %d from welcome consumed at %s",
		g, c, claimed.ConsumedAt.Format(time.RFC3339))
	return nil
}
