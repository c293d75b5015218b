package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/guildline/mls"
	"github.com/guildline/mls/domain"
	"github.com/guildline/mls/session"
	"github.com/guildline/mls/storage/memory"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const (
	guild   = domain.GuildID(7)
	channel = domain.ChannelID(13)
	alice   = domain.UserID(1)
	bob     = domain.UserID(2)
	charlie = domain.UserID(3)
)

type recordedBroadcast struct {
	channel domain.ChannelID
	data    []byte
}

type outbox struct {
	sent []recordedBroadcast
}

func (o *outbox) Broadcast(_ context.Context, _ domain.GuildID, channel domain.ChannelID, data []byte) error {
	o.sent = append(o.sent, recordedBroadcast{channel, data})
	return nil
}

type hints struct {
	requests []domain.BootstrapRequest
}

func (h *hints) RequestBootstrap(_ context.Context, req domain.BootstrapRequest) error {
	h.requests = append(h.requests, req)
	return nil
}

type failingRoster struct{}

func (failingRoster) ListActiveMembers(context.Context, domain.GuildID) ([]domain.Member, error) {
	return nil, errors.New("roster unavailable")
}

// world is the shared server side plus per-user devices.
type world struct {
	t         *testing.T
	mailbox   *memory.Mailbox
	directory *memory.Directory
	roster    *memory.Roster
	outbox    *outbox
	hints     *hints
	events    []Event
	stores    map[domain.UserID]*memory.Snapshots
	ids       map[domain.UserID]*memory.Identities
}

func newWorld(t *testing.T, users ...domain.UserID) *world {
	w := &world{
		t:         t,
		mailbox:   memory.NewMailbox(),
		directory: memory.NewDirectory(),
		roster:    memory.NewRoster(),
		outbox:    &outbox{},
		hints:     &hints{},
		stores:    map[domain.UserID]*memory.Snapshots{},
		ids:       map[domain.UserID]*memory.Identities{},
	}
	for _, u := range users {
		w.roster.Put(guild, domain.Member{UserID: u})
	}
	return w
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WelcomePollAttempts = 3
	cfg.WelcomePollBase = time.Millisecond
	cfg.WelcomePollMax = 4 * time.Millisecond
	cfg.KeyPackageFetchRate = 0
	return cfg
}

// client opens a device for user, reusing its stores across calls so a
// second call models a restart.
func (w *world) client(user domain.UserID, roster Roster) *Client {
	if w.stores[user] == nil {
		w.stores[user] = memory.NewSnapshots()
		w.ids[user] = memory.NewIdentities()
	}

	sessions, err := session.NewManager(context.Background(), user, "d1", w.stores[user], w.ids[user])
	require.Nil(w.t, err)

	if roster == nil {
		roster = w.roster
	}

	c, err := NewClient(testConfig(), Collaborators{
		Sessions:  sessions,
		Mailbox:   w.mailbox,
		Roster:    roster,
		Directory: w.directory,
		Outbox:    w.outbox,
		Hints:     w.hints,
		Events:    func(ev Event) { w.events = append(w.events, ev) },
	})
	require.Nil(w.t, err)
	return c
}

func (w *world) categories() []Category {
	var out []Category
	for _, ev := range w.events {
		out = append(out, ev.Category)
	}
	return out
}

func TestSendAddsMembersAndReceiverAutoJoins(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, alice, bob)
	a, b := w.client(alice, nil), w.client(bob, nil)
	require.Nil(t, b.PublishKeyPackage(ctx, guild))

	ct, err := a.Send(ctx, guild, channel, []byte("hello bob"))
	require.Nil(t, err)

	require.Len(t, w.outbox.sent, 1)
	require.Equal(t, 1, w.mailbox.Pending(guild, channel, bob))

	pt, err := b.Receive(ctx, guild, channel, ct)
	require.Nil(t, err)
	require.Equal(t, []byte("hello bob"), pt)
	require.Equal(t, 0, w.mailbox.Pending(guild, channel, bob))

	// Relayed copies of Alice's own traffic resolve locally
	pt, err = a.Receive(ctx, guild, channel, ct)
	require.Nil(t, err)
	require.Equal(t, []byte("hello bob"), pt)

	pt, err = a.Receive(ctx, guild, channel, w.outbox.sent[0].data)
	require.Nil(t, err)
	require.Nil(t, pt)

	// Bob already merged the commit through the welcome
	pt, err = b.Receive(ctx, guild, channel, w.outbox.sent[0].data)
	require.Nil(t, err)
	require.Nil(t, pt)

	require.Empty(t, w.events)
	require.Empty(t, w.hints.requests)
}

func TestSendJoinsPendingWelcomeInsteadOfCreating(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, alice, bob)
	a, b := w.client(alice, nil), w.client(bob, nil)
	require.Nil(t, a.PublishKeyPackage(ctx, guild))
	require.Nil(t, b.PublishKeyPackage(ctx, guild))

	_, err := a.Send(ctx, guild, channel, []byte("first"))
	require.Nil(t, err)

	ct, err := b.Send(ctx, guild, channel, []byte("reply"))
	require.Nil(t, err)

	// Bob found Alice already in the group and added nobody
	require.Len(t, w.outbox.sent, 1)

	pt, err := a.Receive(ctx, guild, channel, ct)
	require.Nil(t, err)
	require.Equal(t, []byte("reply"), pt)
}

func TestLateMemberCommitOrdering(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, alice, bob)
	a, b, c := w.client(alice, nil), w.client(bob, nil), w.client(charlie, nil)
	require.Nil(t, b.PublishKeyPackage(ctx, guild))
	require.Nil(t, c.PublishKeyPackage(ctx, guild))

	ct, err := a.Send(ctx, guild, channel, []byte("one"))
	require.Nil(t, err)
	_, err = b.Receive(ctx, guild, channel, ct)
	require.Nil(t, err)

	w.roster.Put(guild, domain.Member{UserID: charlie})
	ct, err = a.Send(ctx, guild, channel, []byte("two"))
	require.Nil(t, err)
	require.Len(t, w.outbox.sent, 2)

	// Bob must see the second commit before the message
	_, err = b.Receive(ctx, guild, channel, ct)
	require.True(t, errors.Is(err, mls.ErrUnprocessableMessage))
	require.Contains(t, w.categories(), CategoryDecrypt)

	pt, err := b.Receive(ctx, guild, channel, w.outbox.sent[1].data)
	require.Nil(t, err)
	require.Nil(t, pt)

	pt, err = b.Receive(ctx, guild, channel, ct)
	require.Nil(t, err)
	require.Equal(t, []byte("two"), pt)

	pt, err = c.Receive(ctx, guild, channel, ct)
	require.Nil(t, err)
	require.Equal(t, []byte("two"), pt)
}

func TestKeyPackageFetchFailureDoesNotBlockSend(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, alice, bob, charlie)
	a, b := w.client(alice, nil), w.client(bob, nil)
	require.Nil(t, b.PublishKeyPackage(ctx, guild))

	ct, err := a.Send(ctx, guild, channel, []byte("hello"))
	require.Nil(t, err)

	require.Equal(t, []Category{CategoryKeyPackageFetch}, w.categories())
	ev := w.events[0]
	require.Equal(t, alice, ev.Actor)
	require.Equal(t, charlie, *ev.Target)
	require.Equal(t, channel, ev.Channel)

	require.Len(t, w.hints.requests, 1)
	require.Equal(t, charlie, *w.hints.requests[0].Target)

	pt, err := b.Receive(ctx, guild, channel, ct)
	require.Nil(t, err)
	require.Equal(t, []byte("hello"), pt)

	// Charlie is retried on the next send once a key package exists
	c := w.client(charlie, nil)
	require.Nil(t, c.PublishKeyPackage(ctx, guild))
	ct, err = a.Send(ctx, guild, channel, []byte("again"))
	require.Nil(t, err)

	pt, err = c.Receive(ctx, guild, channel, ct)
	require.Nil(t, err)
	require.Equal(t, []byte("again"), pt)
}

func TestMembershipFetchFailureDoesNotBlockSend(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.client(alice, failingRoster{})

	_, err := a.Send(ctx, guild, channel, []byte("hello"))
	require.Nil(t, err)

	require.Equal(t, []Category{CategoryMembershipFetch}, w.categories())
	require.Len(t, w.hints.requests, 1)
	require.Nil(t, w.hints.requests[0].Target)
}

func TestBannedMembersAreSkipped(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, alice)
	w.roster.Put(guild, domain.Member{UserID: bob, Banned: true})
	a, b := w.client(alice, nil), w.client(bob, nil)
	require.Nil(t, b.PublishKeyPackage(ctx, guild))

	_, err := a.Send(ctx, guild, channel, []byte("hello"))
	require.Nil(t, err)
	require.Empty(t, w.outbox.sent)
	require.Equal(t, 0, w.mailbox.Pending(guild, channel, bob))
}

func TestEmptyPlaintextRejected(t *testing.T) {
	w := newWorld(t, alice)
	a := w.client(alice, nil)

	_, err := a.Send(context.Background(), guild, channel, nil)
	require.True(t, errors.Is(err, mls.ErrEmptyPlaintext))
}

func TestReceiveWithoutWelcomeGivesUp(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, alice, bob)
	b := w.client(bob, nil)

	_, err := b.Receive(ctx, guild, channel, []byte("ciphertext"))
	require.True(t, errors.Is(err, mls.ErrMissingMlsGroup))

	require.Len(t, w.hints.requests, 1)
	req := w.hints.requests[0]
	require.Equal(t, domain.BootstrapReasonMissingPendingWelcome, req.Reason)
	require.Equal(t, bob, *req.Target)
}

func TestReceiveSkipsBrokenWelcome(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, alice, bob)
	a, b := w.client(alice, nil), w.client(bob, nil)
	require.Nil(t, b.PublishKeyPackage(ctx, guild))

	ct, err := a.Send(ctx, guild, channel, []byte("hello"))
	require.Nil(t, err)

	// A newer, garbage welcome is claimed first and then skipped
	_, err = w.mailbox.Publish(ctx, guild, channel, bob, []byte{0x01, 0x02})
	require.Nil(t, err)

	pt, err := b.Receive(ctx, guild, channel, ct)
	require.Nil(t, err)
	require.Equal(t, []byte("hello"), pt)
	require.Equal(t, []Category{CategoryWelcomeJoin}, w.categories())
}

func TestWelcomeAvailableEvent(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, alice, bob)
	a, b := w.client(alice, nil), w.client(bob, nil)
	require.Nil(t, b.PublishKeyPackage(ctx, guild))

	_, err := a.Send(ctx, guild, channel, []byte("hello"))
	require.Nil(t, err)

	other := charlie
	require.Nil(t, b.HandleServerEvent(ctx, domain.ServerEvent{
		Type: domain.EventMlsWelcomeAvailable, Guild: guild, Channel: channel, Target: &other,
	}))
	require.Equal(t, 1, w.mailbox.Pending(guild, channel, bob))

	target := bob
	require.Nil(t, b.HandleServerEvent(ctx, domain.ServerEvent{
		Type: domain.EventMlsWelcomeAvailable, Guild: guild, Channel: channel, Target: &target,
	}))
	require.Equal(t, 0, w.mailbox.Pending(guild, channel, bob))

	active, err := b.sessions.IsActive(ctx, guild, channel)
	require.Nil(t, err)
	require.True(t, active)
}

func TestBootstrapRequestedAfterRestart(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, alice, bob)
	a, b := w.client(alice, nil), w.client(bob, nil)
	require.Nil(t, b.PublishKeyPackage(ctx, guild))

	_, err := a.Send(ctx, guild, channel, []byte("hello"))
	require.Nil(t, err)

	// After a restart the attempted set is empty; Bob is recognised as a
	// member and not added twice
	a = w.client(alice, nil)
	require.Nil(t, a.Reconcile(ctx, guild, channel))
	require.Len(t, w.outbox.sent, 1)
	require.Empty(t, w.events)

	target := bob
	require.Nil(t, a.HandleServerEvent(ctx, domain.ServerEvent{
		Type:    domain.EventMlsBootstrapRequested,
		Guild:   guild,
		Channel: channel,
		Target:  &target,
		Reason:  domain.BootstrapReasonLocalStateMissing,
	}))

	require.Equal(t, []Category{CategoryDuplicateMember}, w.categories())
	require.Len(t, w.hints.requests, 1)
	require.Equal(t, domain.BootstrapReasonRecoveryWelcomeDuplicateMember, w.hints.requests[0].Reason)
	require.Len(t, w.outbox.sent, 1)
}

func TestBootstrapRequestedAddsNewMember(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, alice)
	a, b := w.client(alice, nil), w.client(bob, nil)

	_, err := a.Send(ctx, guild, channel, []byte("hello"))
	require.Nil(t, err)

	w.roster.Put(guild, domain.Member{UserID: bob})
	require.Nil(t, b.PublishKeyPackage(ctx, guild))

	require.Nil(t, a.HandleServerEvent(ctx, domain.ServerEvent{
		Type: domain.EventMlsBootstrapRequested, Guild: guild, Channel: channel,
	}))
	require.Len(t, w.outbox.sent, 1)
	require.Equal(t, 1, w.mailbox.Pending(guild, channel, bob))
}

func TestEchoCacheExpiry(t *testing.T) {
	ec, err := newEchoCache(2, time.Minute)
	require.Nil(t, err)

	now := time.Unix(1000, 0)
	ec.now = func() time.Time { return now }

	ec.put([]byte("c1"), []byte("p1"))
	pt, ok := ec.take([]byte("c1"))
	require.True(t, ok)
	require.Equal(t, []byte("p1"), pt)

	// One-shot
	_, ok = ec.take([]byte("c1"))
	require.False(t, ok)

	ec.put([]byte("c2"), []byte("p2"))
	now = now.Add(2 * time.Minute)
	_, ok = ec.take([]byte("c2"))
	require.False(t, ok)

	// Bounded size evicts the oldest entry
	ec.put([]byte("a"), []byte("1"))
	ec.put([]byte("b"), []byte("2"))
	ec.put([]byte("c"), []byte("3"))
	_, ok = ec.take([]byte("a"))
	require.False(t, ok)
	_, ok = ec.take([]byte("c"))
	require.True(t, ok)
}

// lateSessions reports the group inactive once, as if another path joined
// it right after the check.
type lateSessions struct {
	Sessions
	stale bool
}

func (s *lateSessions) IsActive(ctx context.Context, g domain.GuildID, c domain.ChannelID) (bool, error) {
	if s.stale {
		s.stale = false
		return false, nil
	}
	return s.Sessions.IsActive(ctx, g, c)
}

func TestReceiveAfterConcurrentJoin(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, alice, bob)
	a, b := w.client(alice, nil), w.client(bob, nil)
	require.Nil(t, b.PublishKeyPackage(ctx, guild))

	ct, err := a.Send(ctx, guild, channel, []byte("hello"))
	require.Nil(t, err)

	claimed, err := w.mailbox.Claim(ctx, guild, channel, bob)
	require.Nil(t, err)
	_, err = w.mailbox.Publish(ctx, guild, channel, bob, claimed.Welcome)
	require.Nil(t, err)

	require.Nil(t, b.sessions.JoinFromWelcome(ctx, guild, channel, claimed.Welcome))
	b.sessions = &lateSessions{Sessions: b.sessions, stale: true}

	pt, err := b.Receive(ctx, guild, channel, ct)
	require.Nil(t, err)
	require.Equal(t, []byte("hello"), pt)
	require.Empty(t, w.categories())
}
