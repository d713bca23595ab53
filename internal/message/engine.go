package message

import (
	"fmt"
	"log/slog"

	"github.com/osteele/liquid"
)

// Engine personalizes subjects and bodies with per-recipient variables
type Engine struct {
	liquid *liquid.Engine
	logger *slog.Logger
}

// NewEngine creates a new personalization engine
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		liquid: liquid.NewEngine(),
		logger: logger,
	}
}

// Vars returns the variables available to campaign templates
func Vars(campaignID, recipientEmail string) map[string]any {
	return map[string]any{
		"email":           recipientEmail,
		"recipient_email": recipientEmail,
		"campaign_id":     campaignID,
	}
}

// Validate checks that src parses as a template
func (e *Engine) Validate(src string) error {
	if _, err := e.liquid.ParseString(src); err != nil {
		return fmt.Errorf("invalid template: %w", err)
	}
	return nil
}

// Personalize renders src with vars. Rendering is lax: on any parse or
// render error the source is returned unchanged.
func (e *Engine) Personalize(src string, vars map[string]any) string {
	tpl, err := e.liquid.ParseString(src)
	if err != nil {
		e.logger.Debug("template parse failed, sending as is", "error", err)
		return src
	}
	out, rerr := tpl.RenderString(vars)
	if rerr != nil {
		e.logger.Debug("template render failed, sending as is", "error", rerr)
		return src
	}
	return out
}
