// Package classify maps a failing run's error signature to a remediation verdict.
package classify

import (
	"strings"

	"github.com/h1v3-io/remedy/pkg/protocol"
)

// Signature identifies a failure by exception type and message.
type Signature struct {
	ErrorType string
	Message   string
}

// Rule matches a signature when any keyword occurs in it.
type Rule struct {
	Name     string
	Keywords []string
	Action   protocol.Action
	Risk     protocol.Risk
}

// DefaultRules is evaluated in order; the first matching rule wins.
var DefaultRules = []Rule{
	{
		Name:     "library",
		Keywords: []string{"library", "importerror", "modulenotfounderror", "no module named"},
		Action:   protocol.ActionReinstallLibraries,
		Risk:     protocol.RiskLow,
	},
	{
		Name:     "timeout",
		Keywords: []string{"timeout", "timed out"},
		Action:   protocol.ActionRetryJob,
		Risk:     protocol.RiskLow,
	},
	{
		Name:     "execution",
		Keywords: []string{"execution", "executor", "sparkexception"},
		Action:   protocol.ActionRetryJob,
		Risk:     protocol.RiskMedium,
	},
}

// Unknown is the verdict for signatures no rule recognises.
var Unknown = protocol.Classification{
	IsAutoRemediable: false,
	Action:           protocol.ActionNone,
	Risk:             protocol.RiskHigh,
}

// Classifier is a pure, ordered rule set.
type Classifier struct {
	rules []Rule
}

// New returns a classifier over rules, or DefaultRules when none are given.
func New(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Classifier{rules: rules}
}

// Classify returns the verdict for sig. The result depends only on sig.
func (c *Classifier) Classify(sig Signature) protocol.Classification {
	text := strings.ToLower(sig.ErrorType + " " + sig.Message)
	for _, r := range c.rules {
		for _, kw := range r.Keywords {
			if strings.Contains(text, strings.ToLower(kw)) {
				return protocol.Classification{
					Category:         r.Name,
					IsAutoRemediable: r.Action != protocol.ActionNone,
					Action:           r.Action,
					Risk:             r.Risk,
				}
			}
		}
	}
	return Unknown
}

// Classify runs the default rule set.
func Classify(sig Signature) protocol.Classification {
	return defaultClassifier.Classify(sig)
}

var defaultClassifier = New()
