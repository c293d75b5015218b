// Package natsx carries bootstrap hints, server events and channel
// broadcasts over NATS.
package natsx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guildline/mls/domain"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

type Config struct {
	URL           string
	Name          string
	SubjectPrefix string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

type Client struct {
	cfg Config
	nc  *nats.Conn
}

func Connect(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url missing")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "guildline.mls"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				jww.WARN.Printf("[Bootstrap] nats disconnected: %v", err)
			}
		}),
	)
	if err != nil {
		return nil, errors.WithMessagef(err, "connecting to %s", cfg.URL)
	}
	return &Client{cfg: cfg, nc: nc}, nil
}

func (c *Client) Close() error {
	return c.nc.Drain()
}

func (c *Client) requestSubject() string {
	return c.cfg.SubjectPrefix + ".bootstrap.request"
}

func (c *Client) eventSubject(guild domain.GuildID) string {
	return fmt.Sprintf("%s.events.%d", c.cfg.SubjectPrefix, guild)
}

func (c *Client) channelSubject(guild domain.GuildID, channel domain.ChannelID) string {
	return fmt.Sprintf("%s.channel.%d.%d", c.cfg.SubjectPrefix, guild, channel)
}

func (c *Client) publishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, data)
}

// RequestBootstrap implements bootstrap.HintRequester.
func (c *Client) RequestBootstrap(_ context.Context, req domain.BootstrapRequest) error {
	return errors.WithMessage(c.publishJSON(c.requestSubject(), req), "publishing bootstrap request")
}

// Broadcast implements bootstrap.Outbox.
func (c *Client) Broadcast(_ context.Context, guild domain.GuildID, channel domain.ChannelID, data []byte) error {
	return c.nc.Publish(c.channelSubject(guild, channel), data)
}

// PublishEvent pushes a server event to every subscriber of the guild.
func (c *Client) PublishEvent(ev domain.ServerEvent) error {
	return c.publishJSON(c.eventSubject(ev.Guild), ev)
}

// SubscribeEvents delivers the guild's server events to handle.
// Undecodable payloads are logged and dropped.
func (c *Client) SubscribeEvents(guild domain.GuildID, handle func(domain.ServerEvent)) (*nats.Subscription, error) {
	return c.nc.Subscribe(c.eventSubject(guild), func(msg *nats.Msg) {
		var ev domain.ServerEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			jww.WARN.Printf("[Bootstrap] dropping malformed server event: %v", err)
			return
		}
		ev.Reason = domain.ParseBootstrapReason(string(ev.Reason))
		handle(ev)
	})
}

// SubscribeChannel delivers every broadcast on the channel to handle.
func (c *Client) SubscribeChannel(guild domain.GuildID, channel domain.ChannelID, handle func([]byte)) (*nats.Subscription, error) {
	return c.nc.Subscribe(c.channelSubject(guild, channel), func(msg *nats.Msg) {
		handle(msg.Data)
	})
}

// ServeBootstrapRequests turns each hint request into an
// MlsBootstrapRequested event for its guild. This is the relay half that
// runs on the server.
func (c *Client) ServeBootstrapRequests() (*nats.Subscription, error) {
	return c.nc.Subscribe(c.requestSubject(), func(msg *nats.Msg) {
		var req domain.BootstrapRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			jww.WARN.Printf("[Bootstrap] dropping malformed bootstrap request: %v", err)
			return
		}

		ev := domain.ServerEvent{
			Type:    domain.EventMlsBootstrapRequested,
			Guild:   req.Guild,
			Channel: req.Channel,
			Target:  req.Target,
			Reason:  domain.ParseBootstrapReason(string(req.Reason)),
		}
		if err := c.PublishEvent(ev); err != nil {
			jww.ERROR.Printf("[Bootstrap] relaying bootstrap request: %v", err)
		}
	})
}

func (c *Client) Flush() error {
	return c.nc.Flush()
}
