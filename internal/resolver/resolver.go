package resolver

import (
	"enrollment-reconciler/internal/domain"
	"strings"
)

// prefixRunes is how much of an observed order name is compared against a
// mapping key when the gateway truncates or decorates the name.
const prefixRunes = 10

type CourseResolver struct {
	catalog domain.Catalog
}

func NewCourseResolver(catalog domain.Catalog) *CourseResolver {
	return &CourseResolver{catalog: catalog}
}

// Resolve maps an order name and amount to a course. Exact name matches are
// preferred, then the substring heuristic, then the price point table.
func (r *CourseResolver) Resolve(orderName string, amount int64) domain.Resolution {
	name := strings.TrimSpace(orderName)

	if name != "" {
		for _, m := range r.catalog.Products {
			if m.MatchKey == name {
				return domain.Resolution{Kind: domain.MatchExact, CourseID: m.CourseID, CourseName: m.CourseName}
			}
		}

		prefix := runePrefix(name, prefixRunes)
		for _, m := range r.catalog.Products {
			if m.MatchKey == "" {
				continue
			}
			if strings.Contains(name, m.MatchKey) || strings.Contains(m.MatchKey, prefix) {
				return domain.Resolution{Kind: domain.MatchSubstring, CourseID: m.CourseID, CourseName: m.CourseName}
			}
		}
	}

	for _, rule := range r.catalog.Amounts {
		if amount != 0 && rule.Amount == amount {
			return domain.Resolution{Kind: domain.MatchAmountFallback, CourseID: rule.CourseID, CourseName: rule.CourseName}
		}
	}

	return domain.Resolution{Kind: domain.MatchUnresolved}
}

func runePrefix(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
