package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/funnelsmith/api/internal/client"
	"github.com/funnelsmith/api/internal/model"
)

// ErrMalformedOutput is returned when the generated text is not a usable outline
var ErrMalformedOutput = errors.New("malformed generator output")

// Completer is the generative API used by ContentService
type Completer interface {
	ChatCompletion(ctx context.Context, system, user string) (*client.Completion, error)
	IsConfigured() bool
}

// Draft is one generated outline and the usage reported for it
type Draft struct {
	Document *model.Document
	Usage    model.Usage
}

// ContentGenerator defines the interface for outline generation
type ContentGenerator interface {
	Prompt(req *model.ContentRequest) (system, user string)
	Generate(ctx context.Context, req *model.ContentRequest, system, user string) (*Draft, error)
}

// ContentService generates document outlines using Groq AI
type ContentService struct {
	completer Completer
}

// NewContentService creates a new content service. A nil or unconfigured
// completer produces mock outlines.
func NewContentService(completer Completer) *ContentService {
	return &ContentService{
		completer: completer,
	}
}

// Prompt builds the system and user prompts for req
func (s *ContentService) Prompt(req *model.ContentRequest) (string, string) {
	return s.buildSystemPrompt(), s.buildUserPrompt(req)
}

// Generate asks the model for an outline. Output that cannot be parsed is
// reported as ErrMalformedOutput so the caller can regenerate.
func (s *ContentService) Generate(ctx context.Context, req *model.ContentRequest, system, user string) (*Draft, error) {
	// Use mock response if client is not configured
	if s.completer == nil || !s.completer.IsConfigured() {
		return s.generateMock(req), nil
	}

	completion, err := s.completer.ChatCompletion(ctx, system, user)
	if err != nil {
		return nil, fmt.Errorf("AI generation failed: %w", err)
	}

	doc, err := parseDocument(completion.Content)
	if err != nil {
		return nil, err
	}
	if doc.Category == "" {
		doc.Category = req.Category
	}

	return &Draft{
		Document: doc,
		Usage: model.Usage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
			TotalTokens:      completion.Usage.TotalTokens,
		},
	}, nil
}

func (s *ContentService) buildSystemPrompt() string {
	return `You are an expert information-product strategist and copywriter.
Your task is to outline digital guides that sell, together with the offer funnel built around them.
Always output your response as valid JSON in the exact format requested.
Do not include any text outside the JSON structure.`
}

func (s *ContentService) buildUserPrompt(req *model.ContentRequest) string {
	details := ""
	if req.Details != "" {
		details = fmt.Sprintf("\nAdditional details from the author: %s", req.Details)
	}

	return fmt.Sprintf(`Outline a guide titled "%s" in the %s category.%s

Write exactly %d chapters. Each chapter needs a one-sentence summary and 2-4 sections with a heading and a paragraph of body text.
Then design the sales funnel: the guide is the core offer, add 2-3 add-ons, one premium upgrade and one low-price fallback offer.

Output as JSON: {"title": "...", "subtitle": "...", "category": "...",
"chapters": [{"title": "...", "summary": "...", "sections": [{"heading": "...", "body": "..."}]}],
"funnel": {"coreOffer": {"name": "...", "description": "...", "price": "...", "benefits": ["..."]},
"addOns": [{"name": "...", "description": "...", "price": "..."}],
"upgrade": {"name": "...", "description": "...", "price": "..."},
"fallback": {"name": "...", "description": "...", "price": "..."}}}`,
		req.Title, req.Category, details, req.ChapterCount)
}

func parseDocument(response string) (*model.Document, error) {
	// Try to extract JSON from the response
	response = extractJSON(response)

	var doc model.Document
	if err := json.Unmarshal([]byte(response), &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedOutput, err)
	}

	if strings.TrimSpace(doc.Title) == "" {
		return nil, fmt.Errorf("%w: missing title", ErrMalformedOutput)
	}
	if len(doc.Chapters) == 0 {
		return nil, fmt.Errorf("%w: no chapters in response", ErrMalformedOutput)
	}
	for i, ch := range doc.Chapters {
		if strings.TrimSpace(ch.Title) == "" {
			return nil, fmt.Errorf("%w: chapter %d has no title", ErrMalformedOutput, i+1)
		}
	}

	return &doc, nil
}

// extractJSON attempts to extract JSON from a response that may contain extra text
func extractJSON(s string) string {
	// Find the first { and last }
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")

	if start != -1 && end != -1 && end > start {
		return s[start : end+1]
	}
	return s
}

// Mock implementation for development/testing
func (s *ContentService) generateMock(req *model.ContentRequest) *Draft {
	chapters := make([]model.Chapter, 0, req.ChapterCount)
	for i := 1; i <= req.ChapterCount; i++ {
		chapters = append(chapters, model.Chapter{
			Title:   fmt.Sprintf("Chapter %d: Foundations of %s", i, req.Category),
			Summary: fmt.Sprintf("Step %d of putting %s into practice.", i, req.Title),
			Sections: []model.Section{
				{Heading: "Why it matters", Body: "Most people skip this step and pay for it later. Here is how to get it right the first time."},
				{Heading: "Put it to work", Body: "Follow the checklist below, one item per day, and track what changes."},
			},
		})
	}

	return &Draft{
		Document: &model.Document{
			Title:    req.Title,
			Subtitle: fmt.Sprintf("A practical %s playbook", strings.ToLower(req.Category)),
			Category: req.Category,
			Chapters: chapters,
			Funnel: model.Funnel{
				CoreOffer: model.Offer{Name: req.Title, Description: "The complete guide.", Price: "$27", Benefits: []string{"Step-by-step chapters", "Printable checklists"}},
				AddOns: []model.Offer{
					{Name: "Templates pack", Description: "Fill-in templates for every chapter.", Price: "$17"},
					{Name: "Video walkthrough", Description: "Screen-recorded walkthrough of each step.", Price: "$37"},
				},
				Upgrade:  model.Offer{Name: "1:1 coaching", Description: "Four weekly coaching calls.", Price: "$297"},
				Fallback: model.Offer{Name: "Quick-start cheat sheet", Description: "The whole method on two pages.", Price: "$7"},
			},
		},
	}
}
