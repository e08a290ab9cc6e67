package mail

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/piehands/campaignd/internal/expressions"
	"github.com/piehands/campaignd/pkg/schema"
)

var placeholderRe = regexp.MustCompile(`\{\{([^}]*)\}\}`)

// TemplateRenderer renders templates by evaluating {{ ... }} placeholders
// with the default expression engine. The scope exposes the same keys as
// condition evaluation, so {{ user.name }} in a template and
// user.name == "Ada" in a condition read the same data.
type TemplateRenderer struct {
	templates TemplateSource
	engines   *expressions.Registry
}

func NewTemplateRenderer(templates TemplateSource, engines *expressions.Registry) *TemplateRenderer {
	return &TemplateRenderer{templates: templates, engines: engines}
}

func (r *TemplateRenderer) Render(ctx context.Context, templateID string, scope map[string]any) (string, string, error) {
	tpl, err := r.templates.GetTemplate(ctx, templateID)
	if err != nil {
		return "", "", err
	}
	subject, err := r.renderText(ctx, tpl.Subject, scope)
	if err != nil {
		return "", "", fmt.Errorf("render subject of %s: %w", templateID, err)
	}
	body, err := r.renderText(ctx, tpl.Body, scope)
	if err != nil {
		return "", "", fmt.Errorf("render body of %s: %w", templateID, err)
	}
	return subject, body, nil
}

func (r *TemplateRenderer) renderText(ctx context.Context, text string, scope map[string]any) (string, error) {
	engine, err := r.engines.ForLanguage("")
	if err != nil {
		return "", err
	}

	var evalErr error
	out := placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		if evalErr != nil {
			return match
		}
		expression := strings.TrimSpace(placeholderRe.FindStringSubmatch(match)[1])
		if expression == "" {
			return ""
		}
		value, err := engine.Evaluate(ctx, expression, scope)
		if err != nil {
			evalErr = schema.NewErrorf(schema.ErrCodePermanent, "placeholder %q: %s", expression, err).WithCause(err)
			return match
		}
		return stringify(value)
	})
	if evalErr != nil {
		return "", evalErr
	}
	return out, nil
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
