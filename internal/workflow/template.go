// Package workflow holds approval policy templates and the quorum evaluation
// used while a document is in review. Templates are immutable once
// registered; superseding a policy is a new registration.
package workflow

import (
	"fmt"
	"strings"
)

// QuorumRule determines how many approvals close a stage.
type QuorumRule string

const (
	RuleUnanimous QuorumRule = "UNANIMOUS"
	RuleAnyOne    QuorumRule = "ANY_ONE"
)

// Decision is a single approver's verdict.
type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

// Stage is one step of an approval route.
type Stage struct {
	Name  string     `json:"name"`
	Roles []string   `json:"roles"`
	Rule  QuorumRule `json:"rule"`
}

// Template is a named approval policy: an ordered list of stages over a
// declared role set.
type Template struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	DocType string   `json:"docType"`
	Roles   []string `json:"roles"`
	Stages  []Stage  `json:"stages"`
}

// StageOutcome is the result of evaluating a stage's recorded decisions.
type StageOutcome int

const (
	StagePending StageOutcome = iota
	StageSatisfied
	StageRejected
)

// StageDecision pairs an approver's verdict with the role it was cast under.
type StageDecision struct {
	Approver string
	Role     string
	Decision Decision
}

// Validate checks structural rules: at least one stage, every stage has at
// least one approver role, every stage role is declared on the template, and
// each stage carries a known quorum rule.
func Validate(t Template) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("template name is required")
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("template must define at least one stage")
	}
	declared := make(map[string]struct{}, len(t.Roles))
	for _, role := range t.Roles {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("template declares an empty role")
		}
		declared[role] = struct{}{}
	}
	for i, stage := range t.Stages {
		if len(stage.Roles) == 0 {
			return fmt.Errorf("stage %d has zero approver roles", i)
		}
		for _, role := range stage.Roles {
			if _, ok := declared[role]; !ok {
				return fmt.Errorf("stage %d references undefined role %q", i, role)
			}
		}
		switch stage.Rule {
		case RuleUnanimous, RuleAnyOne:
		default:
			return fmt.Errorf("stage %d has unknown quorum rule %q", i, stage.Rule)
		}
	}
	return nil
}

// EvaluateStage applies the stage's quorum rule to the recorded decisions.
// Any rejection from a required role closes the stage as rejected regardless
// of the rule. Unanimous requires an approval under every stage role; any-one
// requires a single approval under any stage role.
func EvaluateStage(stage Stage, decisions []StageDecision) StageOutcome {
	approvedRoles := make(map[string]struct{})
	for _, d := range decisions {
		if !stageHasRole(stage, d.Role) {
			continue
		}
		switch d.Decision {
		case DecisionRejected:
			return StageRejected
		case DecisionApproved:
			approvedRoles[d.Role] = struct{}{}
		}
	}

	switch stage.Rule {
	case RuleAnyOne:
		if len(approvedRoles) > 0 {
			return StageSatisfied
		}
	case RuleUnanimous:
		satisfied := true
		for _, role := range stage.Roles {
			if _, ok := approvedRoles[role]; !ok {
				satisfied = false
				break
			}
		}
		if satisfied {
			return StageSatisfied
		}
	}
	return StagePending
}

func stageHasRole(stage Stage, role string) bool {
	for _, r := range stage.Roles {
		if r == role {
			return true
		}
	}
	return false
}
