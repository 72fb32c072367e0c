package prompts

import (
	"strings"
	"text/template"

	"github.com/cockroachdb/errors"
	"github.com/nikolalohinski/gonja"
)

// TemplateFormat is the syntax used by a prompt template.
type TemplateFormat string

const (
	// TemplateFormatGoTemplate renders with text/template, `{{.name}}`.
	TemplateFormatGoTemplate TemplateFormat = "go-template"
	// TemplateFormatJinja2 renders with jinja2, `{{ name }}`.
	TemplateFormatJinja2 TemplateFormat = "jinja2"
)

// ErrInvalidTemplateFormat is returned when the template format is not supported.
var ErrInvalidTemplateFormat = errors.New("invalid template format")

// ErrMissingInputVariable is returned when a declared input variable
// has no value at format time.
var ErrMissingInputVariable = errors.New("missing input variable")

// interpolator renders a template with the given values.
type interpolator func(tmpl string, values map[string]any) (string, error)

var formatterMapping = map[TemplateFormat]interpolator{
	TemplateFormatGoTemplate: interpolateGoTemplate,
	TemplateFormatJinja2:     interpolateJinja2,
}

// RenderTemplate renders the template with the given values.
func RenderTemplate(tmpl string, format TemplateFormat, values map[string]any) (string, error) {
	formatter, ok := formatterMapping[format]
	if !ok {
		return "", errors.WithMessagef(ErrInvalidTemplateFormat, "%q", format)
	}
	return formatter(tmpl, values)
}

func interpolateGoTemplate(tmpl string, values map[string]any) (string, error) {
	parsed, err := template.New("template").
		Option("missingkey=error").
		Parse(tmpl)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse template")
	}
	var sb strings.Builder
	if err := parsed.Execute(&sb, values); err != nil {
		return "", errors.Wrap(err, "failed to execute template")
	}
	return sb.String(), nil
}

// interpolateJinja2 renders with gonja. Unlike text/template, gonja
// substitutes an empty string for undefined variables, so presence checks
// are done by the caller against the declared input variables.
func interpolateJinja2(tmpl string, values map[string]any) (string, error) {
	tpl, err := gonja.FromString(tmpl)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse template")
	}
	out, err := tpl.Execute(values)
	if err != nil {
		return "", errors.Wrap(err, "failed to execute template")
	}
	return out, nil
}
