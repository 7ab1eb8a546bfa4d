package model

import "time"

type Role string

const (
	RoleUser    Role = "USER"
	RoleManager Role = "MANAGER"
	RoleAdmin   Role = "ADMIN"
)

// roleRank orders privilege levels for escalation checks. Unknown roles
// rank below USER.
var roleRank = map[Role]int{
	RoleUser:    1,
	RoleManager: 2,
	RoleAdmin:   3,
}

func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

func (r Role) Rank() int {
	return roleRank[r]
}

// Privileged reports whether the role qualifies for the business-hours
// exemption on rate-based rules.
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleManager
}

// Event names with dedicated handling in the rule engine. Other names are
// still accepted; they fall through the rules unless they name a dangerous
// command.
const (
	EventLoginAttempt   = "login_attempt"
	EventControlCommand = "control_command"
	EventPowerReading   = "power_consumption"
	EventPacketSYN      = "packet_syn"
	EventResourceUsage  = "system_resource_usage"
	EventMQTTPublish    = "mqtt_publish"
	EventMQTTBatch      = "10000_messages_received"
)

// Event is one reported device/user action. Immutable once created; a
// single worker consumes it exactly once.
type Event struct {
	EventName string         `json:"event_name"`
	UserRole  Role           `json:"user_role,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	SourceID  string         `json:"source_id"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

// Verdict is the outcome of evaluating one event. RuleHit is empty when no
// rule matched; Suspicious is true only for attack-indicative outcomes.
type Verdict struct {
	RuleHit    string         `json:"rule,omitempty"`
	Suspicious bool           `json:"alert"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Rule names, in engine priority order.
const (
	RuleInvalidIPFormat     = "INVALID_IP_FORMAT"
	RuleNonLANAccess        = "NON_LAN_ACCESS"
	RuleUnknownDevice       = "UNKNOWN_DEVICE"
	RuleUnknownUser         = "UNKNOWN_USER"
	RuleInvalidRole         = "INVALID_ROLE"
	RulePrivilegeEscalation = "PRIVILEGE_ESCALATION"
	RuleBruteForceLogin     = "BRUTE_FORCE_LOGIN"
	RuleCommandInjection    = "COMMAND_INJECTION"
	RuleInvalidPowerData    = "INVALID_POWER_DATA"
	RulePowerOutOfRange     = "POWER_OUT_OF_RANGE"
	RulePowerAnomaly        = "POWER_ANOMALY"
	RuleResourceExhaustion  = "RESOURCE_EXHAUSTION"
	RuleSYNFlood            = "SYN_FLOOD"
	RuleMessageFlood        = "MESSAGE_FLOOD"
	RuleEvaluationError     = "EVALUATION_ERROR"
)

// AlertRecord is one entry on the alert channel of the sink: timestamp,
// rule, alert flag and the rule-specific detail fields.
type AlertRecord struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Rule      string         `json:"rule"`
	Alert     bool           `json:"alert"`
	SourceID  string         `json:"source_id,omitempty"`
	EventName string         `json:"event_name,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}
