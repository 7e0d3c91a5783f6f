// Package classifier implements the answer-grouping contract: given a question and its raw
// answers, return at most eight labeled groups ordered by member count.
package classifier

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"nadfeud/internal/domain"
)

// ErrMalformedResponse is returned when classifier output does not satisfy the contract.
var ErrMalformedResponse = errors.New("malformed classifier response")

type wireGroup struct {
	GroupText  *string  `json:"group_text"`
	Count      *int     `json:"count"`
	Percentage *float64 `json:"percentage"`
}

// ParseGroups decodes and validates a JSON array of {group_text, count, percentage}.
// The result is sorted by count descending (stable) and truncated to domain.MaxGroups.
func ParseGroups(data []byte) ([]domain.GroupSpec, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '[' {
		return nil, fmt.Errorf("%w: expected a JSON array", ErrMalformedResponse)
	}
	var raw []wireGroup
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	groups := make([]domain.GroupSpec, 0, len(raw))
	for i, g := range raw {
		if g.GroupText == nil || strings.TrimSpace(*g.GroupText) == "" {
			return nil, fmt.Errorf("%w: group %d has no group_text", ErrMalformedResponse, i)
		}
		if g.Count == nil || *g.Count < 0 {
			return nil, fmt.Errorf("%w: group %d has an invalid count", ErrMalformedResponse, i)
		}
		pct := 0.0
		if g.Percentage != nil {
			pct = *g.Percentage
		}
		if math.IsNaN(pct) || pct < 0 || pct > 100 {
			return nil, fmt.Errorf("%w: group %d percentage %v out of range", ErrMalformedResponse, i, pct)
		}
		groups = append(groups, domain.GroupSpec{
			GroupText:  strings.TrimSpace(*g.GroupText),
			Count:      *g.Count,
			Percentage: pct,
		})
	}
	return Rank(groups), nil
}

// Rank sorts groups by count descending, keeping input order for ties, and keeps the top ones.
func Rank(groups []domain.GroupSpec) []domain.GroupSpec {
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Count > groups[j].Count })
	if len(groups) > domain.MaxGroups {
		groups = groups[:domain.MaxGroups]
	}
	return groups
}

// Percentage returns count/total as a percentage rounded to two decimals.
// Percentages are always taken over the full answer set, never over the kept groups.
func Percentage(count, total int) float64 {
	if total <= 0 {
		return 0
	}
	return decimal.NewFromInt(int64(count)).
		Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(int64(total)), 2).
		InexactFloat64()
}
