package server

import (
	"html/template"
	"log/slog"
	"net/http"
	"time"
)

var indexTemplate = template.Must(template.New("index").Funcs(template.FuncMap{
	"seconds": func(d time.Duration) string { return d.Round(time.Millisecond).String() },
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>siftcl</title>
<style>
body { font-family: sans-serif; margin: 2rem; }
table { border-collapse: collapse; }
th, td { padding: 0.3rem 0.8rem; border-bottom: 1px solid #ddd; text-align: left; }
.failed { color: #b00; }
</style>
</head>
<body>
<h1>SIFT jobs</h1>
{{if .}}
<table>
<tr><th>ID</th><th>Image</th><th>State</th><th>Size</th><th>Keypoints</th><th>Device</th><th>Elapsed</th></tr>
{{range .}}
<tr class="{{.State}}">
<td><a href="/api/v1/jobs/{{.ID}}">{{.ID}}</a></td>
<td>{{.Config.ImagePath}}</td>
<td>{{.State}}{{with .Stage}} ({{.}}){{end}}{{with .Error}}: {{.}}{{end}}</td>
<td>{{if .Width}}{{.Width}}×{{.Height}}{{end}}</td>
<td>{{if eq .State "completed"}}<a href="/api/v1/jobs/{{.ID}}/overlay.png">{{.Keypoints}}</a>{{end}}</td>
<td>{{.Device}}</td>
<td>{{seconds .Elapsed}}</td>
</tr>
{{end}}
</table>
{{else}}
<p>No jobs yet. Submit one with <code>POST /api/v1/jobs</code>.</p>
{{end}}
</body>
</html>
`))

// handleIndex handles GET /
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	// Only handle exact root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, s.jobManager.ListJobs()); err != nil {
		slog.Error("Failed to render index", "error", err)
	}
}
