package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

const (
	// DefaultEscalationTimeout is how long a command may sit in
	// awaiting_approval before it shows up in the escalation query.
	DefaultEscalationTimeout = time.Hour
)

const (
	// ExecutionCost is the number of credits debited per executed command.
	ExecutionCost = 1
)

const (
	DefaultNotificationTopic = "cmdgate_notifications"
)

const (
	RuleCacheKey        = "cmdgate:rules"
	DefaultRuleCacheTTL = 30 * time.Second
)
