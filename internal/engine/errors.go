package engine

import "fmt"

// ConfigurationError is the only error the engine raises at construction.
// It is fatal: an invalid policy prevents startup rather than degrading to
// an unrestricted default.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("guardrail configuration: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// BlockedError is returned by wrapped executors when the guardrail decision
// blocked the call. Decision-affecting denials inside Evaluate itself are
// expressed as a blocking Decision, never an error.
type BlockedError struct {
	Tool   string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("tool %q blocked: %s", e.Tool, e.Reason)
}
