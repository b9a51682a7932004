package prompts

import (
	"fmt"
	"strings"
	"time"

	"github.com/nugget/foreman/internal/store"
)

// NoResponseFallback is returned to the user when the conversation ends
// without any assistant text.
const NoResponseFallback = "No response generated."

// Capability is one tool as presented in the system prompt.
type Capability struct {
	Name    string
	Summary string
	Write   bool
}

const dataModelSection = `## Data Model
- **Project** has **Phases** (SOW). Each Phase has **Deliverables**.
- **Tasks** can be linked to a Phase via phase_id and phase_name.
- Tasks have: title, description, status (backlog/todo/in_progress/review/done), priority (low/medium/high/urgent), category (feature/bug/refactor/design/docs/test/chore).
- **Blockers** are project-level items with: item, owner, impact.
- Phases and blockers are replaced wholesale on write. The overview reports a revision; pass it back as expected_revision to refuse a write if someone changed the project in between.`

const guidelinesSection = `## Guidelines
- Always call get_project_overview before writing phases or blockers (read-then-merge).
- When creating tasks from an SOW, set status to "backlog" and link them to phases.
- Use batch operations. create_tasks accepts up to 50 tasks per call.
- For large or destructive changes, briefly confirm your plan with the user before executing.
- When reporting results, be concise. Summarize what you created or changed.
- Use create_tasks for new tasks; use update_tasks only for existing tasks.`

// SystemPrompt builds the per-request instruction preamble for a
// project. Capabilities are listed read tools first, then write tools,
// in the order given. Only memories active at now are included.
func SystemPrompt(project *store.Project, memories []store.Memory, capabilities []Capability, now time.Time) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are an AI project manager assistant for %q.\n", project.Name)
	if project.Description != "" {
		fmt.Fprintf(&sb, "Project description: %s\n", project.Description)
	}
	fmt.Fprintf(&sb, "Current time: %s\n", now.UTC().Format(time.RFC3339))

	sb.WriteString("\n## Your Capabilities\n")
	sb.WriteString("You have read/write access to this project's data through tools:\n")
	writeCapabilities(&sb, "Read tools", capabilities, false)
	writeCapabilities(&sb, "Write tools", capabilities, true)

	sb.WriteString("\n")
	sb.WriteString(dataModelSection)
	sb.WriteString("\n\n")
	sb.WriteString(guidelinesSection)
	sb.WriteString("\n")

	var active []store.Memory
	for _, m := range memories {
		if m.Active(now) {
			active = append(active, m)
		}
	}
	if len(active) > 0 {
		sb.WriteString("\n## Persistent Memories (from past conversations)\n")
		for _, m := range active {
			fmt.Fprintf(&sb, "- [%s] %s\n", m.Category, m.Content)
		}
	}

	return sb.String()
}

func writeCapabilities(sb *strings.Builder, heading string, capabilities []Capability, write bool) {
	fmt.Fprintf(sb, "\n**%s:**\n", heading)
	for _, c := range capabilities {
		if c.Write == write {
			fmt.Fprintf(sb, "- %s: %s\n", c.Name, c.Summary)
		}
	}
}
