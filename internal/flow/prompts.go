package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/CallPipe/internal/models"
)

const (
	fallbackCustomerName = "the customer"
	fallbackAmountDue    = "an unspecified amount"
	fallbackDueDate      = "Unknown"
)

// SystemPrompt builds the agent instructions for one call.
func SystemPrompt(cfg Config, cc models.CallContext, today time.Time) string {
	name := orDefault(cc.CustomerName, fallbackCustomerName)
	amount := fallbackAmountDue
	if cc.AmountDue != "" {
		amount = "$" + strings.TrimPrefix(cc.AmountDue, "$")
	}
	summary := orDefault(cc.PriorSummary, models.DefaultPriorSummary)

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a professional customer service representative from %s. ", cfg.AgentName, cfg.OrgName)
	b.WriteString("You are on an outbound phone call following up on an outstanding payment.\n\n")

	b.WriteString("CUSTOMER CONTEXT:\n")
	fmt.Fprintf(&b, "- Customer name: %s\n", name)
	fmt.Fprintf(&b, "- Outstanding amount: %s\n", amount)
	fmt.Fprintf(&b, "- Original due date: %s\n", orDefault(cc.DueDate, fallbackDueDate))
	fmt.Fprintf(&b, "- Today's date: %s\n\n", today.Format("January 02, 2006"))

	b.WriteString("PREVIOUS INTERACTION SUMMARY:\n")
	b.WriteString(summary)
	b.WriteString("\n\n")

	b.WriteString(`STYLE:
- Be warm and empathetic. You are here to help, not to pressure.
- Everything you write is spoken aloud on a phone line: short sentences, no lists, no markdown, no emoji.
- Acknowledge concerns. If the customer is frustrated, apologize sincerely.
- Avoid banking jargon.

OBJECTIVES:
1. Confirm you are speaking with the right person before discussing the account.
2. Politely remind them about the outstanding payment.
3. Understand their situation and find an arrangement that works.
4. Record complaints and callback requests with the tools below.

TOOLS:
- log_complaint: the customer is dissatisfied, disputes the charge, or raises a concern.
- reschedule_call: the customer asks to be called back at another time.
- end_call: the conversation is over, the customer asks to end it, or you reached the wrong person.
When you call end_call, also say a short goodbye in the same reply.

Never be pushy or aggressive. Always thank the customer before ending the call.`)
	return b.String()
}

// openingInstruction asks the model for the first utterance of the call.
func openingInstruction(cc models.CallContext) string {
	return fmt.Sprintf("The call has just been answered. Greet the person warmly, introduce yourself, "+
		"and confirm you are speaking with %s. Keep it to one or two sentences.",
		orDefault(cc.CustomerName, fallbackCustomerName))
}

// closingInstruction asks the model for a farewell after end_call when it produced none.
const closingInstruction = "The call is ending now. Say one short, warm goodbye sentence to the caller. Do not call any tools."

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
