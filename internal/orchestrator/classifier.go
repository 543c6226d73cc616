package orchestrator

import "strings"

// Classifier decides whether a generated response means the task is done.
// Completion detection is a heuristic, so it stays pluggable.
type Classifier interface {
	Done(response string) bool
}

// DefaultPhrases are the stock completion markers.
var DefaultPhrases = []string{
	"task completed",
	"successfully completed",
	"finished successfully",
}

// PhraseClassifier matches any of its phrases against the lower-cased
// response.
type PhraseClassifier struct {
	Phrases []string
}

func NewPhraseClassifier(phrases []string) PhraseClassifier {
	if len(phrases) == 0 {
		phrases = DefaultPhrases
	}
	return PhraseClassifier{Phrases: phrases}
}

func (c PhraseClassifier) Done(response string) bool {
	lower := strings.ToLower(response)
	for _, p := range c.Phrases {
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
