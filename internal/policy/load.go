package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the policy file consulted when no path is given.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "toolgate", "policy.yaml")
	}
	return filepath.Join(home, ".toolgate", "policy.yaml")
}

// Load reads and validates a policy file. Empty path falls back to
// DefaultPath; a missing file yields the default policy. Invalid YAML or an
// invalid policy is an error, never a silently permissive fallback.
func Load(path string) (*Policy, error) {
	p, _, err := LoadWithHash(path)
	return p, err
}

// LoadWithHash loads a policy and returns the SHA-256 of the raw bytes on
// disk, recorded on audit events for provenance. When defaults are used the
// hash covers empty input.
func LoadWithHash(path string) (*Policy, string, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			p := Default()
			return p, hashOf(nil), p.Validate()
		}
		return nil, "", fmt.Errorf("read policy: %w", err)
	}

	// Start from defaults so YAML overrides only what it names.
	p := Default()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, "", fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, "", err
	}
	return p, hashOf(data), nil
}

func hashOf(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// DefaultYAML returns a commented starter policy for init-policy.
func DefaultYAML() string {
	return `# toolgate policy configuration
# Generated by: toolgate init-policy
#
# Pipeline order (cannot be changed):
#   1. Permission evaluation  -> explicit tool rule > blocklist > allowlist > default
#   2. Risk classification    -> max of tool / keyword / environment / magnitude signals
#   3. Approval               -> when risk >= threshold (or per approval_mode)
#   4. Audit record           -> one consolidated event per evaluation

name: default

permission:
  default_allowed: true
  # blocked_tools: [shell_execute]
  # allowed_tools: []            # non-empty list switches to allowlist mode
  # tool_rules:
  #   payments_transfer:
  #     requires_approval: true
  #     rate_limit_per_minute: 5
  #     allowed_params:
  #       currency: [USD, EUR]

risk:
  approval_mode: threshold       # never | always | first_time | threshold
  approval_timeout_seconds: 300
  risk_threshold_for_approval: high
  auto_escalate_critical: true
  first_time_scope: session      # session | agent | global
  # high_risk_tools: [database_admin]
  # critical_risk_tools: [prod_deploy]
  keyword_categories:
    destructive: [delete, remove, drop, truncate, purge]
    execution: [execute, shell, command, script]
    financial: [payment, transfer, withdraw, refund]
    exfiltration: [export, download, extract, backup]
    privileged: [admin, root, sudo, elevated, credentials, secrets]
  magnitude_thresholds:
    amount: 10000

audit:
  retention_days: 90
  buffer_size: 1024
  workers: 2
  redact_patterns: [password, secret, token, api_key, credential]

isolation:
  enforce_session_isolation: true
  cross_session_access_mode: deny   # deny | allow
  blocked_data_patterns: ['\.env', credentials, secrets, '\.pem', '\.key']
  # allowed_shared_keys: [shared_context]
`
}
