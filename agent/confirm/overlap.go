package confirm

import (
	"strings"
	"unicode"

	statex "github.com/jirayu/concierge/agent/state"
)

// EntityOverlap reports whether a new utterance topically overlaps the
// pending plan, by matching utterance tokens against the entity strings
// embedded in the plan's request and step parameters. Overlap routes
// the request into a merge instead of a queue.
func EntityOverlap(utterance string, plan *statex.Plan) bool {
	tokens := tokenize(utterance)
	if len(tokens) == 0 || plan == nil {
		return false
	}

	entities := make(map[string]bool)
	collect := func(text string) {
		for _, tok := range tokenize(text) {
			entities[tok] = true
		}
	}
	collect(plan.Request)
	for _, step := range plan.Steps {
		for _, v := range step.Params {
			switch val := v.(type) {
			case string:
				collect(val)
			case []string:
				for _, s := range val {
					collect(s)
				}
			case []any:
				for _, item := range val {
					if s, ok := item.(string); ok {
						collect(s)
					}
				}
			}
		}
	}

	for _, tok := range tokens {
		if entities[tok] {
			return true
		}
	}
	return false
}

// stopwords never count as entities; without this every "the" would
// merge unrelated requests.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "about": true, "please": true, "can": true,
	"you": true, "send": true, "email": true, "message": true, "new": true,
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '@' && r != '.'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}
