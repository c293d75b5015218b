// Package metrics holds the prometheus collectors for the MLS layers.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MembersAdded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guildline_mls_members_added_total",
			Help: "Number of members added to MLS groups by this device",
		},
	)
	BootstrapFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guildline_mls_bootstrap_failures_total",
			Help: "Number of bootstrap failures by category",
		},
		[]string{"category"},
	)
	WelcomeClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guildline_mls_welcome_claims_total",
			Help: "Number of pending-welcome claims by outcome",
		},
		[]string{"outcome"},
	)
	InboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guildline_mls_inbound_messages_total",
			Help: "Number of inbound MLS messages by kind",
		},
		[]string{"kind"},
	)
	ExternalKeys = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guildline_mls_external_keys_total",
			Help: "Number of external keys served, by source",
		},
		[]string{"source"},
	)
)

var registerOnce sync.Once

// Init registers every collector with the default registry. Safe to call
// more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(MembersAdded)
		prometheus.MustRegister(BootstrapFailures)
		prometheus.MustRegister(WelcomeClaims)
		prometheus.MustRegister(InboundMessages)
		prometheus.MustRegister(ExternalKeys)
	})
}
