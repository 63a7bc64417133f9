package render

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/funnelsmith/api/internal/model"
)

var documentTemplate = template.Must(template.New("document").Funcs(template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
  body { font-family: Georgia, serif; margin: 2.5cm; line-height: 1.5; }
  h1 { font-size: 28pt; margin-bottom: 0; }
  h2 { page-break-before: always; font-size: 20pt; }
  h3 { font-size: 14pt; }
  .subtitle { color: #555; font-size: 14pt; }
  .offer { border: 1px solid #ccc; padding: 12px; margin: 12px 0; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{with .Subtitle}}<p class="subtitle">{{.}}</p>{{end}}
{{range $i, $c := .Chapters}}
<h2>Chapter {{inc $i}}: {{$c.Title}}</h2>
<p><em>{{$c.Summary}}</em></p>
{{range $c.Sections}}<h3>{{.Heading}}</h3>
<p>{{.Body}}</p>
{{end}}{{end}}
<h2>Your Next Steps</h2>
{{template "offer" .Funnel.CoreOffer}}
{{range .Funnel.AddOns}}{{template "offer" .}}{{end}}
{{template "offer" .Funnel.Upgrade}}
{{template "offer" .Funnel.Fallback}}
</body>
</html>
{{define "offer"}}{{if .Name}}<div class="offer">
<h3>{{.Name}}{{with .Price}} ({{.}}){{end}}</h3>
<p>{{.Description}}</p>
{{if .Benefits}}<ul>{{range .Benefits}}<li>{{.}}</li>{{end}}</ul>{{end}}
</div>{{end}}{{end}}`))

// HTML renders doc as a standalone HTML page
func HTML(doc *model.Document) ([]byte, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, doc); err != nil {
		return nil, fmt.Errorf("failed to execute document template: %w", err)
	}
	return buf.Bytes(), nil
}
