package export

import (
	"bytes"
	"fmt"
	"math"
	"html/template"
	"strings"
	"time"
)

// SafeHTML is a template function that marks a string as safe HTML
func SafeHTML(s interface{}) template.HTML {
	switch v := s.(type) {
	case string:
		return template.HTML(v)
	case template.HTML:
		return v
	default:
		return template.HTML("")
	}
}

var documentTemplate = template.Must(template.New("document").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
	"percent": func(f float64) string {
		return fmt.Sprintf("%g%%", math.Round(f*10)/10)
	},
	"safeHTML": SafeHTML,
}).Parse(documentHTML))

// TemplateData holds data for document template rendering
type TemplateData struct {
	Title       string
	Description string
	VersionName string
	ContentHTML template.HTML
	Author      string
	WordCount   int
	UpdatedAt   time.Time
	Stats       Stats
}

func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const documentHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    @page { size: Letter; margin: 0.75in; }
    body { font-family: Georgia, "Times New Roman", serif; line-height: 1.6; max-width: 760px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; margin-bottom: 0.25rem; }
    .description { font-style: italic; color: #444; }
    .meta { color: #666; font-size: 0.85em; margin-bottom: 2rem; }
    .meta span + span::before { content: " | "; }
    ul { padding-left: 1.5rem; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  {{if .Description}}<p class="description">{{.Description}}</p>{{end}}
  <div class="meta">
    {{if .VersionName}}<span>{{.VersionName}}</span>{{end}}
    {{if .Author}}<span>{{.Author}}</span>{{end}}
    {{if not .UpdatedAt.IsZero}}<span>{{formatDate .UpdatedAt "Jan 2, 2006"}}</span>{{end}}
    <span>{{.WordCount}} words</span>
    <span>{{percent .Stats.HumanContribution}} human / {{percent .Stats.AIContribution}} AI</span>
  </div>
  <article>{{.ContentHTML | safeHTML}}</article>
</body>
</html>`
