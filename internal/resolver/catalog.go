package resolver

import (
	"enrollment-reconciler/internal/domain"
	"errors"
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

var ErrEmptyCatalog = errors.New("course catalog has no entries")

const (
	aiLandlordCourseID   = "999"
	aiLandlordCourseName = "AI 건물주 되기"
	agentBeginnerID      = "1002"
	agentBeginnerName    = "AI 에이전트 비기너"
)

// DefaultCatalog is the product table the storefront currently sells.
func DefaultCatalog() domain.Catalog {
	return domain.Catalog{
		Products: []domain.CourseMapping{
			{MatchKey: "Step 1: AI 건물주 되기 기초", CourseID: aiLandlordCourseID, CourseName: aiLandlordCourseName},
			{MatchKey: "Step 1: AI 건물주 되기 기초 (얼리버드)", CourseID: aiLandlordCourseID, CourseName: aiLandlordCourseName},
			{MatchKey: "Google Opal 유튜브 수익화 에이전트 기초", CourseID: agentBeginnerID, CourseName: agentBeginnerName},
			{MatchKey: "AI 에이전트 비기너", CourseID: agentBeginnerID, CourseName: agentBeginnerName},
		},
		Amounts: []domain.AmountRule{
			{Amount: 45000, CourseID: aiLandlordCourseID, CourseName: aiLandlordCourseName},
			{Amount: 95000, CourseID: agentBeginnerID, CourseName: agentBeginnerName},
		},
	}
}

// LoadCatalog reads a YAML or JSON catalog file. An empty path yields the
// default catalog.
func LoadCatalog(path string) (domain.Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	var catalog domain.Catalog
	if err := cleanenv.ReadConfig(path, &catalog); err != nil {
		return domain.Catalog{}, fmt.Errorf("failed to read course catalog %s: %w", path, err)
	}
	if len(catalog.Products) == 0 && len(catalog.Amounts) == 0 {
		return domain.Catalog{}, ErrEmptyCatalog
	}
	return catalog, nil
}
