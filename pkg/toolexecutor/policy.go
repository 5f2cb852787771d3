package toolexecutor

import "fmt"

// ToolPolicy defines which tools a session may call. Deny entries
// override allow entries; "*" matches every tool. A nil policy allows
// everything. The final report tool is always allowed, otherwise a
// misconfigured policy could make a session impossible to finish.
type ToolPolicy struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if toolName == FinalReportTool || toolName == FinalReportShort {
		return true
	}
	if tp == nil {
		return true
	}

	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	return false
}

// Validate rejects policies whose wildcard rules contradict each other.
func (tp *ToolPolicy) Validate() error {
	if tp == nil {
		return nil
	}

	hasAllowWildcard := false
	for _, allowed := range tp.Allow {
		if allowed == "*" {
			hasAllowWildcard = true
			break
		}
	}
	hasDenyWildcard := false
	for _, denied := range tp.Deny {
		if denied == "*" {
			hasDenyWildcard = true
			break
		}
	}

	if hasAllowWildcard && hasDenyWildcard {
		return fmt.Errorf("policy allows and denies all tools at once")
	}
	return nil
}
