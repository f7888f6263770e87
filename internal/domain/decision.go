package domain

type DecisionKind string

const (
	DecisionAllowed          DecisionKind = "allowed"
	DecisionRequiresApproval DecisionKind = "requires_approval"
	DecisionDenied           DecisionKind = "denied"
)

type DenyReason string

const (
	DenyToolDisabled   DenyReason = "tool_disabled"
	DenyMissingScope   DenyReason = "missing_scope"
	DenyInvalidArgs    DenyReason = "invalid_args"
	DenyPathNotAllowed DenyReason = "path_not_allowed"
)

// Decision is the policy engine verdict for one submission. It is an
// ephemeral value produced fresh per evaluation, never persisted and
// never cached across calls.
type Decision struct {
	Kind   DecisionKind
	Reason DenyReason // set only when Kind == DecisionDenied
	Detail string     // human-readable explanation, e.g. the first schema violation path
}

func Allowed() Decision {
	return Decision{Kind: DecisionAllowed}
}

func RequiresApproval(detail string) Decision {
	return Decision{Kind: DecisionRequiresApproval, Detail: detail}
}

func Denied(reason DenyReason, detail string) Decision {
	return Decision{Kind: DecisionDenied, Reason: reason, Detail: detail}
}
