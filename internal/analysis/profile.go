package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/spectra/internal/agent"
	"github.com/haasonsaas/spectra/internal/dataset"
	"github.com/haasonsaas/spectra/pkg/models"
)

const profileSystemPrompt = `You are a data analyst. Given a dataset schema and sample, reply with JSON only:
{"summary": "<two or three sentences describing what the data contains>", "suggestions": ["<question>", "<question>", "<question>"]}
Suggestions are concrete questions a user could ask about this data.`

const maxProfileResponseBytes = 64 << 10

// FallbackProfile is returned whenever profiling fails.
func FallbackProfile() *models.Profile {
	return &models.Profile{
		Summary: "Dataset uploaded. Ask a question to start exploring it.",
		Suggestions: []string{
			"Summarize the key statistics of this dataset",
			"Show the distribution of the main numeric columns",
			"Plot how the values change over time",
		},
	}
}

// Profile asks the model to characterize the uploaded dataset. It never
// fails: any error yields FallbackProfile.
func (s *Service) Profile(ctx context.Context) *models.Profile {
	profile, err := s.profile(ctx)
	if err != nil {
		s.logger.Warn("profile failed, using fallback", "error", err)
		return FallbackProfile()
	}
	return profile
}

func (s *Service) profile(ctx context.Context) (*models.Profile, error) {
	if s.datasets == nil {
		return nil, dataset.ErrNoDataset
	}
	if s.controller == nil || s.controller.Provider() == nil {
		return nil, agent.ErrNoProvider
	}

	f, err := s.datasets.Open()
	if err != nil {
		return nil, err
	}
	preview, err := dataset.BuildPreview(f)
	f.Close()
	if err != nil {
		return nil, err
	}

	zero := 0.0
	req := &agent.CompletionRequest{
		Model:  s.profileModel,
		System: profileSystemPrompt,
		Messages: []agent.CompletionMessage{{
			Role:    string(models.RoleUser),
			Content: preview.Render(),
		}},
		Temperature: &zero,
	}

	stream, err := s.controller.Provider().Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	var text strings.Builder
	for chunk := range stream {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			go agent.DrainStream(stream)
			return nil, chunk.Error
		}
		if text.Len()+len(chunk.Text) > maxProfileResponseBytes {
			go agent.DrainStream(stream)
			return nil, fmt.Errorf("profile response exceeds %d bytes", maxProfileResponseBytes)
		}
		text.WriteString(chunk.Text)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return parseProfile(text.String())
}

// parseProfile accepts bare JSON or JSON inside a fenced code block.
func parseProfile(text string) (*models.Profile, error) {
	body := strings.TrimSpace(text)
	if start := strings.Index(body, "{"); start >= 0 {
		if end := strings.LastIndex(body, "}"); end > start {
			body = body[start : end+1]
		}
	}
	var profile models.Profile
	if err := json.Unmarshal([]byte(body), &profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if strings.TrimSpace(profile.Summary) == "" {
		return nil, errors.New("profile has no summary")
	}
	suggestions := profile.Suggestions[:0]
	for _, sug := range profile.Suggestions {
		if sug = strings.TrimSpace(sug); sug != "" {
			suggestions = append(suggestions, sug)
		}
	}
	profile.Suggestions = suggestions
	if len(profile.Suggestions) == 0 {
		profile.Suggestions = FallbackProfile().Suggestions
	}
	return &profile, nil
}
