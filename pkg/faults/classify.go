package faults

// Severity grades a classified failure.
type Severity int8

const (
	// SeverityRetryableTransient marks failures expected to clear on a
	// plain retry (rate limits, network resets).
	SeverityRetryableTransient Severity = iota
	// SeverityRecoverableWithModification marks failures a modified
	// prompt or parameter set could fix.
	SeverityRecoverableWithModification
	// SeverityCritical marks planning/coordination failures that require
	// a re-plan.
	SeverityCritical
	// SeverityFatal marks unclassified or corruption failures that halt
	// the entity.
	SeverityFatal
	// SeverityWarning marks failures downgraded because the failing task
	// is optional.
	SeverityWarning
)

func (s Severity) String() string {
	switch s {
	case SeverityRetryableTransient:
		return "RETRYABLE_TRANSIENT"
	case SeverityRecoverableWithModification:
		return "RECOVERABLE_WITH_MODIFICATION"
	case SeverityCritical:
		return "CRITICAL"
	case SeverityFatal:
		return "FATAL"
	case SeverityWarning:
		return "WARNING"
	default:
		return "INVALID"
	}
}

// ActionHint is the recommended response for a classified failure.
type ActionHint string

const (
	ActionRetryAsIs     ActionHint = "retry_as_is"
	ActionRetryModified ActionHint = "retry_with_params"
	ActionReplan        ActionHint = "replan"
	ActionSkip          ActionHint = "skip"
	ActionHalt          ActionHint = "halt"
)

// Classification is the derived judgment over one failure. It is computed
// on demand and never stored long-term.
type Classification struct {
	Kind            Kind
	Severity        Severity
	IsRetryable     bool
	SuggestedAction ActionHint
}

// Context carries the operation-scoped facts classification depends on.
type Context struct {
	// IsOptionalTask downgrades any non-fatal classification to a warning
	// with a skip action.
	IsOptionalTask bool
}

// Classify maps an error plus operation context to a severity and a
// suggested action. It is a pure function over the error kind.
func Classify(err error, opCtx Context) Classification {
	kind := KindOf(err)

	c := Classification{Kind: kind}

	switch kind {
	case KindSecurityViolation:
		// Security violations bypass every downgrade rule and halt
		// immediately.
		c.Severity = SeverityFatal
		c.IsRetryable = false
		c.SuggestedAction = ActionHalt
		return c

	case KindTransient:
		c.Severity = SeverityRetryableTransient
		c.IsRetryable = true
		c.SuggestedAction = ActionRetryAsIs

	case KindExecution, KindTimeout, KindGeneration, KindResourceLimit:
		c.Severity = SeverityRecoverableWithModification
		c.IsRetryable = true
		c.SuggestedAction = ActionRetryModified

	case KindCoordination:
		c.Severity = SeverityCritical
		c.IsRetryable = false
		c.SuggestedAction = ActionReplan

	case KindInfrastructure, KindSerialization, KindUnknown:
		c.Severity = SeverityFatal
		c.IsRetryable = false
		c.SuggestedAction = ActionHalt

	default:
		c.Severity = SeverityFatal
		c.IsRetryable = false
		c.SuggestedAction = ActionHalt
	}

	if opCtx.IsOptionalTask && c.Severity != SeverityFatal {
		c.Severity = SeverityWarning
		c.SuggestedAction = ActionSkip
	}

	return c
}
