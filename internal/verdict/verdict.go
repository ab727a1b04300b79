// Package verdict holds the two classification labels and the rule that turns
// a raw sigmoid score into a labelled prediction.
package verdict

import "fmt"

// Label is one of the two classes the model distinguishes.
type Label int

const (
	// Chapri is the class chosen when the score does not exceed Threshold.
	Chapri Label = iota
	// Decent is the class chosen when the score exceeds Threshold.
	Decent
)

// Threshold splits the score range. Scores equal to it resolve to Chapri.
const Threshold = 0.5

// Labels lists every label in storage order.
var Labels = []Label{Chapri, Decent}

var (
	displayNames = map[Label]string{Chapri: "Chapri", Decent: "Decent"}
	storageKeys  = map[Label]string{Chapri: "chapri", Decent: "decent"}
)

// String returns the display name.
func (l Label) String() string {
	if name, ok := displayNames[l]; ok {
		return name
	}
	return fmt.Sprintf("Label(%d)", int(l))
}

// Key returns the identifier used by the count stores.
func (l Label) Key() string {
	if key, ok := storageKeys[l]; ok {
		return key
	}
	return ""
}

// Valid reports whether l is one of the declared labels.
func (l Label) Valid() bool {
	_, ok := storageKeys[l]
	return ok
}

// ParseLabel maps a storage key back to its label. Matching is exact, so a
// persisted "Decent" or " chapri" is rejected rather than silently merged.
func ParseLabel(key string) (Label, error) {
	for _, l := range Labels {
		if key == storageKeys[l] {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown label %q", key)
}

// Prediction is the labelled outcome of one classification.
type Prediction struct {
	Label Label
	// Confidence is the probability assigned to Label, always in [0.5, 1].
	Confidence float64
	// Score is the raw model output the prediction was derived from.
	Score float64
}

// FromScore applies the decision rule to a sigmoid score in [0, 1].
func FromScore(score float64) Prediction {
	if score > Threshold {
		return Prediction{Label: Decent, Confidence: score, Score: score}
	}
	return Prediction{Label: Chapri, Confidence: 1 - score, Score: score}
}

// ConfidenceText formats the confidence as a percentage with two decimals.
func (p Prediction) ConfidenceText() string {
	return fmt.Sprintf("%.2f%%", p.Confidence*100)
}
