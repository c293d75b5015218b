// Package bootstrap keeps a channel's MLS membership converged with the
// server roster and drives the send and receive paths around it.
package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/guildline/mls"
	"github.com/guildline/mls/domain"
	"github.com/guildline/mls/internal/metrics"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"go.uber.org/ratelimit"
)

// Sessions is the slice of the session manager the bootstrap protocol
// drives. session.Manager implements it.
type Sessions interface {
	User() domain.UserID
	IsActive(ctx context.Context, guild domain.GuildID, channel domain.ChannelID) (bool, error)
	CreateGroup(ctx context.Context, guild domain.GuildID, channel domain.ChannelID) error
	JoinFromWelcome(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, welcome []byte) error
	AddMember(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, keyPackage []byte) (commit, welcome []byte, err error)
	ContainsKeyPackageIdentity(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, keyPackage []byte) (bool, error)
	Encrypt(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, ciphertext []byte) ([]byte, mls.MessageKind, error)
	KeyPackage(guild domain.GuildID) ([]byte, error)
}

// Mailbox is the pending-welcome mailbox. Claim returns nil, nil when
// nothing is pending.
type Mailbox interface {
	Publish(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, target domain.UserID, welcome []byte) (string, error)
	Claim(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, target domain.UserID) (*domain.ClaimedWelcome, error)
}

type Roster interface {
	ListActiveMembers(ctx context.Context, guild domain.GuildID) ([]domain.Member, error)
}

type KeyPackageDirectory interface {
	PublishKeyPackage(ctx context.Context, guild domain.GuildID, user domain.UserID, keyPackage []byte) error
	FetchLatestKeyPackage(ctx context.Context, guild domain.GuildID, user domain.UserID) ([]byte, error)
}

// Outbox delivers a message to every current member of a channel.
type Outbox interface {
	Broadcast(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, data []byte) error
}

// HintRequester asks the server to trigger another bootstrap pass.
type HintRequester interface {
	RequestBootstrap(ctx context.Context, req domain.BootstrapRequest) error
}

type Config struct {
	WelcomePollAttempts int
	WelcomePollBase     time.Duration
	WelcomePollMax      time.Duration
	WelcomePollJitter   float64
	KeyPackageFetchRate int
	EchoCacheSize       int
	EchoTTL             time.Duration
}

func DefaultConfig() Config {
	return Config{
		WelcomePollAttempts: 5,
		WelcomePollBase:     200 * time.Millisecond,
		WelcomePollMax:      2 * time.Second,
		WelcomePollJitter:   0.2,
		KeyPackageFetchRate: 20,
		EchoCacheSize:       512,
		EchoTTL:             10 * time.Minute,
	}
}

type Collaborators struct {
	Sessions  Sessions
	Mailbox   Mailbox
	Roster    Roster
	Directory KeyPackageDirectory
	Outbox    Outbox
	Hints     HintRequester
	Events    EventSink
}

type channelKey struct {
	guild   domain.GuildID
	channel domain.ChannelID
}

type Client struct {
	cfg       Config
	sessions  Sessions
	mailbox   Mailbox
	roster    Roster
	directory KeyPackageDirectory
	outbox    Outbox
	hints     HintRequester
	sink      EventSink
	limiter   ratelimit.Limiter
	echo      *echoCache

	mu        sync.Mutex
	attempted map[channelKey]map[domain.UserID]struct{}
	forced    map[channelKey]map[domain.UserID]struct{}
}

func NewClient(cfg Config, c Collaborators) (*Client, error) {
	echo, err := newEchoCache(cfg.EchoCacheSize, cfg.EchoTTL)
	if err != nil {
		return nil, errors.WithMessage(err, "creating echo cache")
	}

	limiter := ratelimit.NewUnlimited()
	if cfg.KeyPackageFetchRate > 0 {
		limiter = ratelimit.New(cfg.KeyPackageFetchRate, ratelimit.WithoutSlack)
	}

	return &Client{
		cfg:       cfg,
		sessions:  c.Sessions,
		mailbox:   c.Mailbox,
		roster:    c.Roster,
		directory: c.Directory,
		outbox:    c.Outbox,
		hints:     c.Hints,
		sink:      c.Events,
		limiter:   limiter,
		echo:      echo,
		attempted: map[channelKey]map[domain.UserID]struct{}{},
		forced:    map[channelKey]map[domain.UserID]struct{}{},
	}, nil
}

///
/// Attempted set
///

func (c *Client) wasAttempted(k channelKey, user domain.UserID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.attempted[k][user]
	return ok
}

func (c *Client) markAttempted(k channelKey, user domain.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempted[k] == nil {
		c.attempted[k] = map[domain.UserID]struct{}{}
	}
	c.attempted[k][user] = struct{}{}
	delete(c.forced[k], user)
}

// forget clears the attempted entry for target, or the whole channel
// when target is nil. A named target is remembered as explicitly
// requested.
func (c *Client) forget(k channelKey, target *domain.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if target == nil {
		delete(c.attempted, k)
		return
	}
	delete(c.attempted[k], *target)
	if c.forced[k] == nil {
		c.forced[k] = map[domain.UserID]struct{}{}
	}
	c.forced[k][*target] = struct{}{}
}

func (c *Client) wasForced(k channelKey, user domain.UserID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.forced[k][user]
	return ok
}

///
/// Hints
///

func (c *Client) requestHint(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, target *domain.UserID, reason domain.BootstrapReason) {
	if c.hints == nil {
		return
	}
	req := domain.BootstrapRequest{Guild: guild, Channel: channel, Target: target, Reason: reason}
	if err := c.hints.RequestBootstrap(ctx, req); err != nil {
		c.emit(Event{Category: CategoryHintRequest, Guild: guild, Channel: channel, Target: target, Err: err})
	}
}

///
/// Reconciliation
///

// Reconcile adds every roster member that this process has not yet added
// to the channel's group. Per-member failures become events and hints;
// the returned error is only for failures that stop the whole pass.
func (c *Client) Reconcile(ctx context.Context, guild domain.GuildID, channel domain.ChannelID) error {
	self := c.sessions.User()
	k := channelKey{guild, channel}

	members, err := c.roster.ListActiveMembers(ctx, guild)
	if err != nil {
		c.emit(Event{Category: CategoryMembershipFetch, Guild: guild, Channel: channel, Err: err})
		c.requestHint(ctx, guild, channel, nil, domain.BootstrapReasonUnknown)
		return nil
	}

	added := 0
	for _, m := range members {
		if m.UserID == self || m.Banned || c.wasAttempted(k, m.UserID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		ok, err := c.addTarget(ctx, guild, channel, m.UserID)
		if err != nil {
			return err
		}
		if ok {
			added++
		}
	}

	if added > 0 {
		jww.INFO.Printf("[Bootstrap] added %d member(s) to guild=%d channel=%d", added, guild, channel)
	}
	return nil
}

// addTarget reports whether target was added. Errors are returned only
// when the group itself is unusable.
func (c *Client) addTarget(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, target domain.UserID) (bool, error) {
	k := channelKey{guild, channel}
	ev := func(cat Category, err error) {
		c.emit(Event{Category: cat, Guild: guild, Channel: channel, Target: &target, Err: err})
	}

	c.limiter.Take()

	kp, err := c.directory.FetchLatestKeyPackage(ctx, guild, target)
	if err != nil {
		ev(CategoryKeyPackageFetch, err)
		c.requestHint(ctx, guild, channel, &target, domain.BootstrapReasonUnknown)
		return false, nil
	}

	dupe, err := c.sessions.ContainsKeyPackageIdentity(ctx, guild, channel, kp)
	if err != nil {
		if mls.IsAttackerControlled(err) {
			ev(CategoryInvalidKeyPackage, err)
			c.requestHint(ctx, guild, channel, &target, domain.BootstrapReasonUnknown)
			return false, nil
		}
		return false, err
	}

	if dupe {
		// Already a member, most likely added before a restart. If the
		// server asked for this target explicitly, its device has lost
		// state that a fresh welcome cannot repair.
		forced := c.wasForced(k, target)
		c.markAttempted(k, target)
		if forced {
			ev(CategoryDuplicateMember, errors.New("target is already a group member"))
			c.requestHint(ctx, guild, channel, &target, domain.BootstrapReasonRecoveryWelcomeDuplicateMember)
		}
		return false, nil
	}

	commit, welcome, err := c.sessions.AddMember(ctx, guild, channel, kp)
	if err != nil {
		if mls.IsAttackerControlled(err) {
			ev(CategoryAddMember, err)
			c.requestHint(ctx, guild, channel, &target, domain.BootstrapReasonUnknown)
			return false, nil
		}
		return false, err
	}
	c.markAttempted(k, target)
	c.echo.put(commit, nil)

	if err := c.outbox.Broadcast(ctx, guild, channel, commit); err != nil {
		ev(CategoryCommitBroadcast, err)
	}

	if _, err := c.mailbox.Publish(ctx, guild, channel, target, welcome); err != nil {
		ev(CategoryWelcomePublish, err)
		c.requestHint(ctx, guild, channel, &target, domain.BootstrapReasonMissingPendingWelcome)
	}

	return true, nil
}

///
/// Send and receive
///

// ensureGroup makes the channel's group active before a send: it joins
// from a pending welcome if one is waiting and otherwise creates the
// group.
func (c *Client) ensureGroup(ctx context.Context, guild domain.GuildID, channel domain.ChannelID) error {
	active, err := c.sessions.IsActive(ctx, guild, channel)
	if err != nil || active {
		return err
	}

	joined, err := c.claimAndJoin(ctx, guild, channel)
	if err != nil || joined {
		return err
	}

	if err := c.sessions.CreateGroup(ctx, guild, channel); err != nil {
		return err
	}
	jww.INFO.Printf("[Bootstrap] created group for guild=%d channel=%d", guild, channel)
	return nil
}

// Send reconciles membership and then encrypts plaintext for the
// channel. The ciphertext is remembered so that the relayed copy
// resolves to plaintext locally.
func (c *Client) Send(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, mls.ErrEmptyPlaintext
	}

	if err := c.ensureGroup(ctx, guild, channel); err != nil {
		return nil, err
	}

	if err := c.Reconcile(ctx, guild, channel); err != nil {
		return nil, err
	}

	ciphertext, err := c.sessions.Encrypt(ctx, guild, channel, plaintext)
	if err != nil {
		return nil, err
	}

	c.echo.put(ciphertext, plaintext)
	return ciphertext, nil
}

// Receive returns the plaintext of an application message and nil for
// protocol traffic. On a channel without a group it first waits for a
// pending welcome and gives up with ErrMissingMlsGroup.
func (c *Client) Receive(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, ciphertext []byte) ([]byte, error) {
	if plaintext, ok := c.echo.take(ciphertext); ok {
		return plaintext, nil
	}

	self := c.sessions.User()

	active, err := c.sessions.IsActive(ctx, guild, channel)
	if err != nil {
		if mls.IsFatalToGroup(err) {
			c.emit(Event{Category: CategoryGroupState, Guild: guild, Channel: channel, Target: &self, Err: err})
			c.requestHint(ctx, guild, channel, &self, domain.BootstrapReasonLocalStateMissing)
		}
		return nil, err
	}

	if !active {
		if err := c.awaitWelcome(ctx, guild, channel); err != nil {
			return nil, err
		}
	}

	plaintext, kind, err := c.sessions.Decrypt(ctx, guild, channel, ciphertext)
	if err != nil {
		if mls.IsAttackerControlled(err) {
			c.emit(Event{Category: CategoryDecrypt, Guild: guild, Channel: channel, Err: err})
		}
		return nil, err
	}

	jww.DEBUG.Printf("[Bootstrap] received %s message on guild=%d channel=%d", kind, guild, channel)
	return plaintext, nil
}

var errNoWelcome = errors.New("no pending welcome")

// awaitWelcome polls the mailbox with exponential backoff until a welcome
// joins the group or the attempts run out.
func (c *Client) awaitWelcome(ctx context.Context, guild domain.GuildID, channel domain.ChannelID) error {
	self := c.sessions.User()

	poll := func() error {
		joined, err := c.claimAndJoin(ctx, guild, channel)
		if err != nil {
			if mls.IsAttackerControlled(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if !joined {
			return errNoWelcome
		}
		return nil
	}

	err := backoff.Retry(poll, c.welcomeBackOff(ctx))
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if !errors.Is(err, errNoWelcome) && !mls.IsAttackerControlled(err) {
		return err
	}

	jww.WARN.Printf("[Bootstrap] no usable welcome for guild=%d channel=%d after %d attempts",
		guild, channel, c.cfg.WelcomePollAttempts)
	c.requestHint(ctx, guild, channel, &self, domain.BootstrapReasonMissingPendingWelcome)
	return errors.Wrapf(mls.ErrMissingMlsGroup, "guild=%d channel=%d", guild, channel)
}

func (c *Client) welcomeBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.WelcomePollBase
	b.MaxInterval = c.cfg.WelcomePollMax
	b.RandomizationFactor = c.cfg.WelcomePollJitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	retries := c.cfg.WelcomePollAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// claimAndJoin claims the newest pending welcome for this device and
// joins from it. It reports false when nothing was pending.
func (c *Client) claimAndJoin(ctx context.Context, guild domain.GuildID, channel domain.ChannelID) (bool, error) {
	self := c.sessions.User()

	claimed, err := c.mailbox.Claim(ctx, guild, channel, self)
	if err != nil {
		metrics.WelcomeClaims.WithLabelValues("error").Inc()
		c.emit(Event{Category: CategoryWelcomeClaim, Guild: guild, Channel: channel, Target: &self, Err: err})
		return false, nil
	}
	if claimed == nil {
		metrics.WelcomeClaims.WithLabelValues("empty").Inc()
		return false, nil
	}

	if err := c.sessions.JoinFromWelcome(ctx, guild, channel, claimed.Welcome); err != nil {
		if errors.Is(err, mls.ErrAlreadyInitialized) {
			// Another path joined the group while this claim was in flight.
			metrics.WelcomeClaims.WithLabelValues("superseded").Inc()
			return true, nil
		}
		metrics.WelcomeClaims.WithLabelValues("rejected").Inc()
		if mls.IsAttackerControlled(err) {
			c.emit(Event{Category: CategoryWelcomeJoin, Guild: guild, Channel: channel, Target: &self, Err: err})
		}
		return false, err
	}

	metrics.WelcomeClaims.WithLabelValues("joined").Inc()
	jww.INFO.Printf("[Bootstrap] joined guild=%d channel=%d from pending welcome", guild, channel)
	return true, nil
}

///
/// Server events and key packages
///

// HandleServerEvent reacts to a server push. Events for other users and
// unknown types are ignored.
func (c *Client) HandleServerEvent(ctx context.Context, ev domain.ServerEvent) error {
	self := c.sessions.User()
	k := channelKey{ev.Guild, ev.Channel}

	switch ev.Type {
	case domain.EventMlsWelcomeAvailable:
		if ev.Target != nil && *ev.Target != self {
			return nil
		}
		active, err := c.sessions.IsActive(ctx, ev.Guild, ev.Channel)
		if err != nil || active {
			return err
		}
		_, err = c.claimAndJoin(ctx, ev.Guild, ev.Channel)
		return err

	case domain.EventMlsBootstrapRequested:
		jww.INFO.Printf("[Bootstrap] server requested bootstrap for guild=%d channel=%d reason=%s",
			ev.Guild, ev.Channel, ev.Reason)

		if ev.Target != nil && *ev.Target == self {
			active, err := c.sessions.IsActive(ctx, ev.Guild, ev.Channel)
			if err != nil || active {
				return err
			}
			_, err = c.claimAndJoin(ctx, ev.Guild, ev.Channel)
			return err
		}

		c.forget(k, ev.Target)

		active, err := c.sessions.IsActive(ctx, ev.Guild, ev.Channel)
		if err != nil || !active {
			return err
		}
		return c.Reconcile(ctx, ev.Guild, ev.Channel)
	}

	jww.DEBUG.Printf("[Bootstrap] ignoring server event %q", ev.Type)
	return nil
}

// PublishKeyPackage issues a fresh key package for this device and makes
// it the latest one in the directory.
func (c *Client) PublishKeyPackage(ctx context.Context, guild domain.GuildID) error {
	kp, err := c.sessions.KeyPackage(guild)
	if err != nil {
		return err
	}
	return c.directory.PublishKeyPackage(ctx, guild, c.sessions.User(), kp)
}
