package web

import (
	"html/template"
)

// DocsPage holds the data rendered by the docs page template.
type DocsPage struct {
	CurrentVersion string
	BuildTime      string
	DocList        []string
	DocContent     template.HTML
	CurrentDoc     string
}

const docsPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>cbank docs{{if .CurrentDoc}} - {{.CurrentDoc}}{{end}}</title>
</head>
<body>
<nav>
<strong>cbank {{.CurrentVersion}}</strong> <small>({{.BuildTime}})</small>
<ul>
{{range .DocList}}<li><a href="/docs/{{.}}">{{.}}</a></li>
{{else}}<li>No documents found</li>
{{end}}</ul>
</nav>
<main id="content-area">
{{.DocContent}}
</main>
</body>
</html>
`

// parseTemplates parses the page templates. They are compiled into the
// binary so the node serves docs regardless of its working directory.
func parseTemplates() (*template.Template, error) {
	return template.New("docs-view.html").Parse(docsPageHTML)
}
