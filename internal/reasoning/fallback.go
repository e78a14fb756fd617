package reasoning

import (
	"fmt"
	"strings"
	"time"

	"github.com/cpas-project/orchestrator/internal/faults"
)

// ruleBasedRespond is the deterministic reactive responder used when the
// language-model collaborator is down. It handles a handful of direct
// queries and otherwise acknowledges the request honestly.
func ruleBasedRespond(query string) (string, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return "", faults.Permanentf("reasoning: empty query")
	}

	now := time.Now()
	switch {
	case containsAny(q, "hello", "hi ", "hey"):
		return "Hello. The assistant is running in a reduced mode right now, but I can still help with simple requests.", nil
	case strings.Contains(q, "what time"):
		return fmt.Sprintf("It is %s.", now.Format("15:04")), nil
	case containsAny(q, "what day", "what date", "today's date"):
		return fmt.Sprintf("Today is %s.", now.Format("Monday, January 2, 2006")), nil
	case containsAny(q, "who are you", "your name"):
		return "I am the CPAS assistant. My reasoning service is temporarily unavailable, so answers are limited.", nil
	case containsAny(q, "help", "what can you do"):
		return "I can answer simple questions about the time and date right now. Full reasoning is temporarily unavailable.", nil
	default:
		return "The reasoning service is temporarily unavailable, so I can only give a limited answer. Please try again shortly.", nil
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
