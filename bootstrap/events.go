package bootstrap

import (
	"fmt"

	"github.com/guildline/mls/domain"
	"github.com/guildline/mls/internal/metrics"
	jww "github.com/spf13/jwalterweatherman"
)

// Category classifies a bootstrap failure.
type Category string

const (
	CategoryMembershipFetch   Category = "membership_fetch"
	CategoryKeyPackageFetch   Category = "key_package_fetch"
	CategoryInvalidKeyPackage Category = "invalid_key_package"
	CategoryAddMember         Category = "add_member"
	CategoryDuplicateMember   Category = "duplicate_member"
	CategoryCommitBroadcast   Category = "commit_broadcast"
	CategoryWelcomePublish    Category = "welcome_publish"
	CategoryWelcomeClaim      Category = "welcome_claim"
	CategoryWelcomeJoin       Category = "welcome_join"
	CategoryGroupState        Category = "group_state"
	CategoryDecrypt           Category = "decrypt"
	CategoryHintRequest       Category = "hint_request"
)

// Event is a structured, non-fatal bootstrap failure.
type Event struct {
	Category Category
	Guild    domain.GuildID
	Channel  domain.ChannelID
	Actor    domain.UserID
	Target   *domain.UserID
	Err      error
}

func (e Event) String() string {
	target := "-"
	if e.Target != nil {
		target = fmt.Sprint(*e.Target)
	}
	return fmt.Sprintf("category=%s guild=%d channel=%d actor=%d target=%s: %v",
		e.Category, e.Guild, e.Channel, e.Actor, target, e.Err)
}

// EventSink receives every Event. It must not block.
type EventSink func(Event)

func (c *Client) emit(ev Event) {
	ev.Actor = c.sessions.User()
	metrics.BootstrapFailures.WithLabelValues(string(ev.Category)).Inc()
	jww.WARN.Printf("[Bootstrap] %s", ev)
	if c.sink != nil {
		c.sink(ev)
	}
}
