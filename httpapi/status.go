package httpapi

import (
	"html/template"
	"time"

	"github.com/Masterminds/sprig/v3"
)

type statusData struct {
	StartedAt time.Time
	Uptime    string
	Sessions  int
	Tools     int
	Servers   []ServerHealth
}

var statusTmpl = template.Must(
	template.New("status").Funcs(sprig.HtmlFuncMap()).Parse(statusHTML))

const statusHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>xchat</title>
<style>
  body { font-family: system-ui, sans-serif; margin: 2rem auto; max-width: 48rem; color: #222; }
  table { border-collapse: collapse; width: 100%; margin-top: 1rem; }
  th, td { text-align: left; padding: .4rem .8rem; border-bottom: 1px solid #ddd; }
  .state-ready { color: #2e7d32; }
  .state-failed { color: #c62828; }
  .state-connecting, .state-disconnected { color: #9e9e9e; }
  .muted { color: #757575; font-size: .9rem; }
</style>
</head>
<body>
<h1>xchat</h1>
<p class="muted">up {{ .Uptime }}, started {{ .StartedAt | date "2006-01-02 15:04:05 MST" }}</p>
<p>{{ .Sessions }} {{ if eq .Sessions 1 }}session{{ else }}sessions{{ end }},
{{ .Tools }} {{ if eq .Tools 1 }}tool{{ else }}tools{{ end }}</p>
{{ if .Servers }}
<table>
<tr><th>Server</th><th>State</th><th>Tools</th><th></th></tr>
{{ range .Servers }}
<tr>
  <td>{{ .ServerID }}</td>
  <td class="state-{{ .State | lower }}">{{ .State }}</td>
  <td>{{ .ToolCount }}</td>
  <td class="muted">{{ .Error }}</td>
</tr>
{{ end }}
</table>
{{ else }}
<p class="muted">no tool servers configured</p>
{{ end }}
</body>
</html>
`
