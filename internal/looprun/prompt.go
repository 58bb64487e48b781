package looprun

import (
	"fmt"
	"strings"

	"github.com/ralphrun/ralph/internal/agent"
	"github.com/ralphrun/ralph/internal/prd"
)

// buildPrompt composes the per-iteration prompt from the PRD's project
// description, the selected story, and the completion-marker instruction,
// following adaf's internal/prompt section-builder idiom (strings.Builder,
// one clearly labeled section per concern).
func (r *Runner) buildPrompt(story *prd.UserStory) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Project: %s\n\n", r.prdDoc.Project)
	if r.prdDoc.Description != "" {
		b.WriteString(r.prdDoc.Description)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "## Current story: %s\n\n", story.ID)
	if story.Title != "" {
		fmt.Fprintf(&b, "**%s**\n\n", story.Title)
	}
	if story.Description != "" {
		b.WriteString(story.Description)
		b.WriteString("\n\n")
	}

	if len(story.AcceptanceCriteria) > 0 {
		b.WriteString("## Acceptance criteria\n\n")
		for _, c := range story.AcceptanceCriteria {
			mark := " "
			if c.Passes {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", mark, c.Description)
		}
		b.WriteString("\n")
	}

	if story.IsDecisionGate() && story.DecisionConfig != nil {
		fmt.Fprintf(&b, "## Decision gate\n\nThis story is a decision gate. Read and act on %s, "+
			"then set its status to \"applied\" once the decision has been incorporated.\n\n",
			story.DecisionConfig.InputFile)
	}

	if len(story.BlockedBy) > 0 {
		fmt.Fprintf(&b, "Blocked by: %s\n\n", strings.Join(story.BlockedBy, ", "))
	}

	passed, total := r.prdDoc.CompletedCount()
	fmt.Fprintf(&b, "## Progress\n\n%d/%d stories passing.\n\n", passed, total)

	b.WriteString("When you have verified every acceptance criterion above against the running ")
	b.WriteString("code (not just read the code), update this story's acceptance criteria in the ")
	b.WriteString("PRD file to mark them passed. If, and only if, this was the final remaining ")
	b.WriteString("story and the whole project is now complete, emit the exact literal token ")
	b.WriteString(agent.CompletionMarker)
	b.WriteString(" in your final message.\n")

	return b.String()
}
