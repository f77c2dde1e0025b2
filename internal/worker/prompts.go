package worker

import (
	"fmt"
	"strings"

	"github.com/basket/foundry/internal/evidence"
	"github.com/basket/foundry/internal/store"
)

// FallbackAnswer is the conservative guidance applied when the oracle
// does not answer in time.
const FallbackAnswer = "No guidance available. Take the most conservative interpretation of the task and state your assumptions in the evidence."

var roleCharters = map[string]string{
	RoleDeveloper:  "You implement the requested change described in the task payload.",
	RoleValidator:  "You verify the work produced so far against the task payload and report what holds.",
	RoleIntegrator: "You integrate the validated work and confirm the end result.",
}

// SystemPrompt renders the role charter plus the evidence contract the
// parser and predicates depend on.
func SystemPrompt(role string, rules []evidence.Predicate) string {
	var b strings.Builder
	charter, ok := roleCharters[role]
	if !ok {
		charter = "You process the task described in the payload."
	}
	b.WriteString(charter)
	b.WriteString("\n\nFinish your response with an evidence block:\n")
	b.WriteString(evidence.BlockStart)
	b.WriteString("\nkey: value\n")
	b.WriteString(evidence.BlockEnd)
	b.WriteString("\n\nYour work is judged only by this block. It must contain:\n")
	for _, r := range rules {
		switch r.Kind {
		case evidence.KindBool:
			fmt.Fprintf(&b, "- %s: must be %v\n", r.Key, r.Equals)
		case evidence.KindThreshold:
			fmt.Fprintf(&b, "- %s: a number, at least %v\n", r.Key, r.Min)
		default:
			fmt.Fprintf(&b, "- %s: must be present\n", r.Key)
		}
	}
	b.WriteString("\nIf the task is ambiguous, include the single fact `oracle_question: <your question>` instead of guessing.")
	return b.String()
}

// AttemptPrompt renders the task for one attempt, including prior failure
// context when this is a retry.
func AttemptPrompt(item *store.WorkItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s at stage %s.\n\nPayload:\n%s\n", item.ID, item.Stage, item.Payload)
	if item.Attempt > 0 && item.FailReason != "" {
		fmt.Fprintf(&b, "\nThis is attempt %d. The previous attempt failed: %s\n", item.Attempt+1, item.FailReason)
	}
	return b.String()
}

// ResumePrompt continues an attempt after an oracle exchange.
func ResumePrompt(item *store.WorkItem, question, answer string) string {
	return fmt.Sprintf(
		"%s\nYou previously asked: %s\nGuidance: %s\n\nComplete the task now and emit the evidence block.",
		AttemptPrompt(item), question, answer,
	)
}
