package claudecli

// Context labels select which system prompt the CLI subprocess runs
// with. The label is fixed when the session is created.
const (
	// ContextWorkspace is the default free-form coding conversation.
	ContextWorkspace = "workspace"
	// ContextAgentCreate puts the CLI into the guided agent-builder
	// persona used by the agent creation flow.
	ContextAgentCreate = "agent-create"
)

const agentCreationPrompt = `You are an assistant that helps users create AI agents.
Understand the automation the user wants and guide them through building it step by step.

Steps:
1. Define the agent's name and purpose
2. Configure its run schedule
3. Compose the task steps
4. Test and validate
5. Final creation

Guide the user conversationally and keep every reply concise, ideally under 200 characters.`

// SystemPromptFor returns the system prompt for a context label, or an
// empty string when the CLI should run with its default persona.
func SystemPromptFor(contextLabel string) string {
	if contextLabel == ContextAgentCreate {
		return agentCreationPrompt
	}
	return ""
}
