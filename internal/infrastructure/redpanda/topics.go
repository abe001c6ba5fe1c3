package redpanda

// Topic names for the rx-engine event streams. Lifecycle and refill
// events are keyed by prescription ID so replays preserve per-record
// ordering; the audit trail carries every envelope regardless of type.
const (
	TopicLifecycleEvents = "rx.lifecycle.events"
	TopicRefillEvents    = "rx.refill.events"
	TopicAuditTrail      = "rx.audit.trail"
	TopicSafetyRequests  = "rx.safety.requests"
	TopicSafetyResults   = "rx.safety.results"
	TopicDeadLetter      = "rx.dead.letter"
)

// AllTopics returns every topic the engine produces to, in the order
// they should be created by provisioning tooling.
func AllTopics() []string {
	return []string{
		TopicLifecycleEvents,
		TopicRefillEvents,
		TopicAuditTrail,
		TopicSafetyRequests,
		TopicSafetyResults,
		TopicDeadLetter,
	}
}
