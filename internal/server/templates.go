package server

import (
	_ "embed"
	"html/template"
)

//go:embed templates/callback.html
var callbackPageTemplateHTML string

var callbackPageTemplate = template.Must(template.New("callback").Parse(callbackPageTemplateHTML))

// CallbackPageData is rendered into the provider callback page
type CallbackPageData struct {
	Failed  bool
	Message string
	// Close asks a popup window to close itself
	Close bool
}
