package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/ragsync/internal/fs"
)

const (
	documentPrompt = "Summarize this document:\n\n%s"
	sectionPrompt  = "Summarize this section (%d):\n\n%s"
	mergePrompt    = "Merge these summaries into one cohesive summary:\n\n"
)

// EstimateTokens approximates the token count of text at four bytes per
// token, never returning less than one.
func EstimateTokens(text string) int {
	return max(1, len(text)/4)
}

// Summarizer produces one summary per document. Text within the token
// budget is summarized in a single call; longer text is split, each
// section summarized, and the section summaries merged in a final call.
type Summarizer struct {
	llm      Service
	opts     CompletionOptions
	budget   int
	splitter *fs.Splitter
	logger   *log.Logger
}

// NewSummarizer creates a summarizer. splitter cuts over-budget text into
// sections.
func NewSummarizer(svc Service, budget int, splitter *fs.Splitter, opts CompletionOptions) *Summarizer {
	return &Summarizer{
		llm:      svc,
		opts:     opts,
		budget:   budget,
		splitter: splitter,
		logger:   log.WithPrefix("summarizer"),
	}
}

// Summarize returns a summary of text. A failed section is left out of the
// merge; the call fails only when every section or the merge itself fails.
func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	tokens := EstimateTokens(text)
	if tokens <= s.budget {
		s.logger.Debug("Summarizing in one pass", "tokens", tokens)
		return s.complete(ctx, fmt.Sprintf(documentPrompt, text))
	}

	sections := s.splitter.Split(text)
	s.logger.Debug("Summarizing by section", "tokens", tokens, "sections", len(sections))

	var parts []string
	var lastErr error
	for i, section := range sections {
		summary, err := s.complete(ctx, fmt.Sprintf(sectionPrompt, i+1, section.Content))
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			s.logger.Warn("Section summary failed", "section", i+1, "err", err)
			lastErr = err
			continue
		}
		parts = append(parts, summary)
	}

	if len(parts) == 0 {
		if lastErr == nil {
			return "", fmt.Errorf("no sections to summarize")
		}
		return "", fmt.Errorf("all %d section summaries failed: %w", len(sections), lastErr)
	}

	return s.complete(ctx, mergePrompt+strings.Join(parts, "\n\n"))
}

func (s *Summarizer) complete(ctx context.Context, prompt string) (string, error) {
	out, err := s.llm.Complete(ctx, userPrompt(prompt), s.opts)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
