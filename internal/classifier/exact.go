package classifier

import (
	"context"
	"strings"

	"nadfeud/internal/domain"
)

// ExactClassifier groups answers whose normalized text is identical. It needs no network and
// serves as the local fallback when no grouping endpoint is configured.
type ExactClassifier struct{}

func NewExactClassifier() ExactClassifier { return ExactClassifier{} }

func (ExactClassifier) Classify(_ context.Context, _ string, answers []string) ([]domain.GroupSpec, error) {
	index := make(map[string]int)
	groups := make([]domain.GroupSpec, 0)
	for _, a := range answers {
		key := domain.NormalizeAnswer(a)
		if key == "" {
			continue
		}
		if i, ok := index[key]; ok {
			groups[i].Count++
			continue
		}
		index[key] = len(groups)
		// first spelling seen becomes the label
		groups = append(groups, domain.GroupSpec{GroupText: strings.TrimSpace(a), Count: 1})
	}

	groups = Rank(groups)
	for i := range groups {
		groups[i].Percentage = Percentage(groups[i].Count, len(answers))
	}
	return groups, nil
}
