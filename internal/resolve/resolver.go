// Package resolve reconciles a local change against a remote change using a
// fixed precedence ruleset. Resolve is a pure function: no I/O, no clock, and
// deterministic for identical inputs, which is what makes the audit trail
// trustworthy. The caller persists the audit record.
package resolve

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Rule names, in evaluation order. First match wins.
const (
	RuleProtectedField     = "protected-field"
	RuleRolePrecedence     = "role-precedence"
	RuleContentSensitivity = "content-sensitivity"
	RuleRecency            = "recency"
)

// Resolution outcomes.
const (
	KeepLocal      = "keepLocal"
	KeepRemote     = "keepRemote"
	Merged         = "merged"
	ManualRequired = "manual-required"
)

// Version is one side of a conflict.
type Version struct {
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"` // unix millis, validated upstream
	Checksum  string          `json:"checksum,omitempty"`
	Role      string          `json:"role,omitempty"`
}

// Conflict is a detected divergence between local and remote versions of a key.
type Conflict struct {
	Key    string  `json:"key"`
	Kind   string  `json:"kind"`
	Local  Version `json:"local"`
	Remote Version `json:"remote"`
}

// Merger combines both sides of a conflict into one value. Mergers must be
// pure for Resolve to stay deterministic.
type Merger func(local, remote json.RawMessage) json.RawMessage

// Rules is the configured precedence table.
type Rules struct {
	// ProtectedKinds require a verified remote checksum before any automatic
	// override (assessment and progress data).
	ProtectedKinds map[string]bool
	// SensitiveKinds are never auto-resolved.
	SensitiveKinds map[string]bool
	// RolePrecedence maps role name to rank; a higher rank wins outright.
	RolePrecedence map[string]int
	// Mergers, when present for a kind, turn the recency fallback into a merge.
	Mergers map[string]Merger
}

// Resolution is the decision for one conflict.
type Resolution struct {
	Outcome string          `json:"outcome"` // keepLocal, keepRemote, merged, manual-required
	Rule    string          `json:"rule"`    // which precedence rule fired
	Value   json.RawMessage `json:"value,omitempty"`
	Detail  string          `json:"detail,omitempty"`
}

// Checksum returns the canonical checksum for a value, as stored in Version.
func Checksum(value json.RawMessage) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(value))
}

// Resolve adjudicates a conflict. Rule evaluation order is fixed:
// protected-field, role-precedence, content-sensitivity, recency.
func Resolve(c Conflict, rules Rules) Resolution {
	// 1. Protected-field: an unverifiable remote side blocks any automatic
	// override of integrity-protected data.
	if rules.ProtectedKinds[c.Kind] {
		if c.Remote.Checksum == "" || c.Remote.Checksum != Checksum(c.Remote.Value) {
			return Resolution{
				Outcome: ManualRequired,
				Rule:    RuleProtectedField,
				Detail:  "remote checksum missing or mismatched for protected kind",
			}
		}
	}

	// 2. Role precedence: an authoritative role wins outright, regardless of
	// timestamps.
	localRank, localKnown := rules.RolePrecedence[c.Local.Role]
	remoteRank, remoteKnown := rules.RolePrecedence[c.Remote.Role]
	if localKnown && remoteKnown && localRank != remoteRank {
		if localRank > remoteRank {
			return Resolution{Outcome: KeepLocal, Rule: RuleRolePrecedence, Value: c.Local.Value}
		}
		return Resolution{Outcome: KeepRemote, Rule: RuleRolePrecedence, Value: c.Remote.Value}
	}

	// 3. Content sensitivity: flagged kinds always go to a human.
	if rules.SensitiveKinds[c.Kind] {
		return Resolution{
			Outcome: ManualRequired,
			Rule:    RuleContentSensitivity,
			Detail:  "kind is flagged for manual review",
		}
	}

	// 4. Recency fallback. A configured merger upgrades this to a merge.
	if m, ok := rules.Mergers[c.Kind]; ok {
		return Resolution{Outcome: Merged, Rule: RuleRecency, Value: m(c.Local.Value, c.Remote.Value)}
	}
	if c.Local.Timestamp > c.Remote.Timestamp {
		return Resolution{Outcome: KeepLocal, Rule: RuleRecency, Value: c.Local.Value}
	}
	// Ties go to the remote side so every replica converges on one answer.
	return Resolution{Outcome: KeepRemote, Rule: RuleRecency, Value: c.Remote.Value}
}
