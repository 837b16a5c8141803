package observability

import "go.opentelemetry.io/otel/attribute"

// Semantic attributes shared by pipeline spans and metrics.
var (
	AttrCaseID   = attribute.Key("orderpilot.case.id")
	AttrTenantID = attribute.Key("orderpilot.tenant.id")
	AttrStatus   = attribute.Key("orderpilot.case.status")

	AttrActivity = attribute.Key("orderpilot.activity.name")
	AttrAttempt  = attribute.Key("orderpilot.activity.attempt")

	AttrProviderID     = attribute.Key("orderpilot.committee.provider")
	AttrCommitteeRound = attribute.Key("orderpilot.committee.round")

	AttrErrorCode = attribute.Key("orderpilot.error.code")
	AttrSignal    = attribute.Key("orderpilot.signal.name")
)
