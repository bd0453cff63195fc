package notifications

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	templateLicenseKey = "license_key.html"
	templateContact    = "contact.html"
)

// Renderer executes the embedded email templates.
type Renderer struct {
	templates *template.Template
}

// NewRenderer parses the embedded templates.
func NewRenderer() (*Renderer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse email templates: %w", err)
	}
	return &Renderer{templates: tmpl}, nil
}

// LicenseKeyData holds data for the license key email template
type LicenseKeyData struct {
	Key            string
	TierName       string
	ExpiryText     string
	MaxActivations int
	Year           int
}

// ContactData holds data for the contact form email template
type ContactData struct {
	Name    string
	Email   string
	Type    string
	Subject string
	Message string
}

func (r *Renderer) render(name string, data any) (string, error) {
	var body bytes.Buffer
	if err := r.templates.ExecuteTemplate(&body, name, data); err != nil {
		return "", fmt.Errorf("execute template %s: %w", name, err)
	}
	return body.String(), nil
}
