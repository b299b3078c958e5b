package analysis

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/CallPipe/internal/models"
)

const systemPrompt = `You are an expert conversation analyst for a customer service call center.
You review phone calls in which an AI agent follows up with a customer about an outstanding payment.
Respond with a single JSON object and nothing else.`

const responseSchema = `{
  "sentiment": "positive" | "neutral" | "negative",
  "customer_emotion": "calm" | "frustrated" | "angry" | "confused" | "cooperative",
  "predictions": {
    "payment_probability": 0-100,
    "customer_satisfaction": 0-100,
    "callback_needed": true | false,
    "escalation_risk": "low" | "medium" | "high",
    "churn_risk": "low" | "medium" | "high"
  },
  "recommendations": "what the collections team should do next",
  "summary": "one or two sentence summary of the call"
}`

// buildPrompt renders the transcript and the actions the agent took.
func buildPrompt(t models.Transcript) string {
	var b strings.Builder
	b.WriteString("Analyze the following phone conversation.\n\n")

	b.WriteString("CUSTOMER CONTEXT:\n")
	fmt.Fprintf(&b, "- Name: %s\n", orUnknown(t.Context.CustomerName))
	fmt.Fprintf(&b, "- Amount due: %s\n", orUnknown(t.Context.AmountDue))
	fmt.Fprintf(&b, "- Due date: %s\n", orUnknown(t.Context.DueDate))
	fmt.Fprintf(&b, "- Call ended: %s\n\n", orUnknown(string(t.TerminalReason)))

	b.WriteString("CONVERSATION:\n")
	for _, turn := range t.Turns {
		speaker := "Customer"
		if turn.Role == models.RoleAgent {
			speaker = "Agent"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, turn.Text)
	}

	b.WriteString("\nAGENT ACTIONS:\n")
	if len(t.Actions) == 0 {
		b.WriteString("(none)\n")
	}
	for _, a := range t.Actions {
		status := "ok"
		if !a.OK {
			status = "failed"
		}
		fmt.Fprintf(&b, "- %s %s (%s)\n", a.Tool, string(a.Arguments), status)
	}
	if t.EndSummary != "" {
		fmt.Fprintf(&b, "\nAGENT'S END-OF-CALL SUMMARY: %s\n", t.EndSummary)
	}

	b.WriteString("\nReturn JSON matching exactly this shape. payment_probability and customer_satisfaction are required numbers:\n")
	b.WriteString(responseSchema)
	return b.String()
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
