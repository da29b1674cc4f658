// Package template renders tool invocation requests (URL, headers,
// body) from the declarative templates in a tool's execution profile.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	texttemplate "text/template"

	"github.com/toolgate-io/toolgate/internal/domain/execution"
)

// noValue is what text/template prints for an unresolved variable.
// Its presence in rendered output means a required variable was missing.
const noValue = "<no value>"

// RequestTemplates is the template set for one invocation.
type RequestTemplates struct {
	URL     string
	Headers map[string]string
	Body    string
}

// Rendered is the materialized request. Body is nil when the profile
// has no body template.
type Rendered struct {
	URL     string
	Headers map[string]string
	Body    []byte
}

// Renderer renders request templates. Templates reference the call
// arguments as .args, the exchanged token as .token, and the caller
// claims as .claims; poll status templates additionally see the trigger
// response as .job. Rendering never mutates the variable maps.
type Renderer struct {
	funcs texttemplate.FuncMap
}

// NewRenderer creates a Renderer with the tojson, default, and required
// helpers registered.
func NewRenderer() *Renderer {
	return &Renderer{
		funcs: texttemplate.FuncMap{
			"tojson":   toJSON,
			"default":  defaultValue,
			"required": requiredValue,
		},
	}
}

// Render materializes the full request. Any template failure, including
// an unresolved variable, surfaces as a TemplateRenderError.
func (r *Renderer) Render(tmpls RequestTemplates, vars map[string]any) (Rendered, error) {
	url, err := r.render("url", tmpls.URL, vars)
	if err != nil {
		return Rendered{}, err
	}

	headers := make(map[string]string, len(tmpls.Headers))
	for name, tmpl := range tmpls.Headers {
		value, err := r.render("header "+name, tmpl, vars)
		if err != nil {
			return Rendered{}, err
		}
		headers[name] = value
	}

	var body []byte
	if tmpls.Body != "" {
		rendered, err := r.render("body", tmpls.Body, vars)
		if err != nil {
			return Rendered{}, err
		}
		body = []byte(rendered)
	}

	return Rendered{URL: url, Headers: headers, Body: body}, nil
}

// RenderString renders a single template, used for poll status URLs.
func (r *Renderer) RenderString(name, tmpl string, vars map[string]any) (string, error) {
	return r.render(name, tmpl, vars)
}

func (r *Renderer) render(name, text string, vars map[string]any) (string, error) {
	t, err := texttemplate.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", &execution.TemplateRenderError{Template: name, Reason: fmt.Sprintf("parse: %v", err)}
	}

	var sb strings.Builder
	if err := t.Execute(&sb, vars); err != nil {
		return "", &execution.TemplateRenderError{Template: name, Reason: err.Error()}
	}

	out := sb.String()
	if strings.Contains(out, noValue) {
		return "", &execution.TemplateRenderError{Template: name, Reason: "unresolved variable"}
	}
	return out, nil
}

// toJSON embeds a structured value as compact JSON.
func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// defaultValue substitutes def when the value is absent or empty.
func defaultValue(def, value any) any {
	if isEmpty(value) {
		return def
	}
	return value
}

// requiredValue fails the render when the value is absent or empty.
func requiredValue(msg string, value any) (any, error) {
	if isEmpty(value) {
		return nil, errors.New(msg)
	}
	return value, nil
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	default:
		return false
	}
}
