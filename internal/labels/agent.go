package labels

import (
	"fmt"
	"strings"
)

// AgentKind identifies one of the specialized agents the coordinator can
// dispatch. The set is closed; it doubles as the agent-owner label facet.
type AgentKind string

const (
	AgentCoordinator AgentKind = "coordinator"
	AgentIssue       AgentKind = "issue"
	AgentCodeGen     AgentKind = "codegen"
	AgentReview      AgentKind = "review"
	AgentPR          AgentKind = "pr"
	AgentDeploy      AgentKind = "deploy"
	AgentTest        AgentKind = "test"
)

// AgentKinds lists every registered agent kind in dispatch order.
var AgentKinds = []AgentKind{
	AgentCoordinator,
	AgentIssue,
	AgentCodeGen,
	AgentReview,
	AgentPR,
	AgentDeploy,
	AgentTest,
}

// ParseAgentKind resolves a user-supplied name to an agent kind.
func ParseAgentKind(name string) (AgentKind, error) {
	kind := AgentKind(strings.ToLower(strings.TrimSpace(name)))
	for _, k := range AgentKinds {
		if k == kind {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown agent kind %q", name)
}

// String implements fmt.Stringer.
func (k AgentKind) String() string { return string(k) }
