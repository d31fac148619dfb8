package app

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"elibrary/internal/util"
	"elibrary/pkg/domain"
)

// MaxRecommendationLength caps the free-text recommendation, in characters.
const MaxRecommendationLength = 1000

// Recommend records a member's book recommendation.
func (a *App) Recommend(ctx context.Context, actor domain.User, text string) (domain.Recommendation, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Recommendation{}, fmt.Errorf("%w: recommendation is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(text) > MaxRecommendationLength {
		return domain.Recommendation{}, fmt.Errorf("%w: recommendation exceeds %d characters", ErrInvalidInput, MaxRecommendationLength)
	}
	rec := domain.Recommendation{
		ID:        util.NewID(),
		UserID:    actor.ID,
		Username:  actor.Username,
		Text:      text,
		CreatedAt: a.now(),
	}
	if err := a.store.AddRecommendation(ctx, rec); err != nil {
		return domain.Recommendation{}, fmt.Errorf("add recommendation: %w", err)
	}
	return rec, nil
}

// ListRecommendations returns all recommendations in submission order.
func (a *App) ListRecommendations(ctx context.Context, actor domain.User) ([]domain.Recommendation, error) {
	if err := a.RequireAdmin(ctx, actor); err != nil {
		return nil, err
	}
	return a.store.ListRecommendations(ctx)
}

// DeleteRecommendation removes every recommendation whose text equals text.
func (a *App) DeleteRecommendation(ctx context.Context, actor domain.User, text string) (int, error) {
	if err := a.RequireAdmin(ctx, actor); err != nil {
		return 0, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, fmt.Errorf("%w: recommendation is required", ErrInvalidInput)
	}
	n, err := a.store.DeleteRecommendationsByText(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("delete recommendation: %w", err)
	}
	if n == 0 {
		return 0, ErrRecommendationNotFound
	}
	return n, nil
}
