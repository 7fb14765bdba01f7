package template

import (
	"regexp"
	"strings"

	"github.com/mailward/mailward/internal/models"
)

// variable pattern for template substitution: {{variable_name}}
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Rendered is a fully substituted message ready for transport
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Engine substitutes {{variable}} placeholders from contact attributes.
// Unknown variables are left in place so a typo is visible in a test send
// instead of silently rendering empty.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Render renders a template for one contact. Built-in variables (email,
// name, country) are merged with the contact's custom fields; custom
// fields win on collision. Extra holds per-send variables such as
// tracking URLs.
func (e *Engine) Render(tmpl *models.Template, contact *models.Contact, extra map[string]string) *Rendered {
	vars := e.variables(contact, extra)
	return &Rendered{
		Subject: Substitute(tmpl.Subject, vars),
		HTML:    Substitute(tmpl.HTML, vars),
		Text:    Substitute(tmpl.Text, vars),
	}
}

func (e *Engine) variables(contact *models.Contact, extra map[string]string) map[string]string {
	vars := make(map[string]string, len(contact.Fields)+len(extra)+4)
	vars["email"] = contact.Email
	vars["name"] = contact.Name
	vars["country"] = contact.Country
	for k, v := range contact.Fields {
		vars[k] = v
	}
	for k, v := range extra {
		vars[k] = v
	}
	return vars
}

// Substitute replaces {{variable}} patterns in a template string
func Substitute(template string, vars map[string]string) string {
	if template == "" {
		return template
	}

	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		varName := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[varName]; ok {
			return value
		}
		// Keep original if variable not found
		return match
	})
}
