package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not refuse the request.
	SeverityWarning Severity = "warning"

	// SeverityError refuses the request.
	SeverityError Severity = "error"

	// SeverityCritical refuses the request.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity refuses the request.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating a spawn request.
type Decision struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Reason joins the blocking violation messages.
func (d *Decision) Reason() string {
	msg := ""
	for i, v := range d.Violations {
		if i > 0 {
			msg += "; "
		}
		msg += v.Message
	}
	return msg
}

// SpawnRequest describes the process a client asked for.
type SpawnRequest struct {
	ProcessName string `json:"process_name"`

	// Remote is the client's network address.
	Remote string `json:"remote,omitempty"`
}

// DaemonState describes the host daemon at the time of the request.
type DaemonState struct {
	Host     string   `json:"host,omitempty"`
	Running  []string `json:"running"`
	MaxPeers int      `json:"max_peers"`
}

// SpawnInput is the input document handed to every policy.
type SpawnInput struct {
	Request   SpawnRequest `json:"request"`
	Daemon    DaemonState  `json:"daemon"`
	Timestamp time.Time    `json:"timestamp"`
}
