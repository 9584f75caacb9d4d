package toolgate

import (
	"go.uber.org/zap"

	"github.com/toolgate-io/toolgate/internal/policy"
)

// Option configures a Guard at creation time.
type Option func(*guardConfig)

type guardConfig struct {
	policy      *policy.Policy
	policyPath  string
	auditDBPath string
	autoApprove bool
	logger      *zap.Logger
}

// WithPolicyPath loads the policy from a YAML file.
func WithPolicyPath(path string) Option {
	return func(c *guardConfig) { c.policyPath = path }
}

// WithStrictPolicy uses the strict preset: default-deny, approval for
// everything.
func WithStrictPolicy() Option {
	return func(c *guardConfig) { c.policy = policy.Strict() }
}

// WithPermissivePolicy uses the permissive preset: default-allow, no
// approvals, isolation off.
func WithPermissivePolicy() Option {
	return func(c *guardConfig) { c.policy = policy.Permissive() }
}

// WithAuditDB persists audit events to a SQLite database at path. Without
// it, events stay in memory for the Guard's lifetime.
func WithAuditDB(path string) Option {
	return func(c *guardConfig) { c.auditDBPath = path }
}

// WithAutoApprove resolves every approval request as approved. Development
// only.
func WithAutoApprove() Option {
	return func(c *guardConfig) { c.autoApprove = true }
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *guardConfig) { c.logger = logger }
}
