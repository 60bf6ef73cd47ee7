package web

import "html/template"

const layout = `{{define "head"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.PageTitle}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 40em; margin: 2em auto; padding: 0 1em; color: #222; }
input[type=url] { width: 100%; padding: 0.5em; font-size: 1em; box-sizing: border-box; }
button { margin-top: 0.8em; padding: 0.5em 1.2em; font-size: 1em; }
.error { color: #a00; }
.ok { color: #070; }
ul.warnings { color: #850; }
dt { font-weight: bold; }
</style>
</head>
<body>
{{end}}
{{define "foot"}}</body>
</html>
{{end}}`

const formPage = `{{template "head" .}}
<h1>Send to Kindle</h1>
<p>Paste the address of an article. It is turned into an ebook and delivered to <strong>{{.Destination}}</strong>.</p>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="/send">
<label for="url">Article URL</label>
<input type="url" id="url" name="url" value="{{.URL}}" required autofocus placeholder="https://">
<button type="submit">Send</button>
</form>
{{template "foot" .}}`

const statusPage = `{{template "head" .}}
{{if .Success}}
<h1 class="ok">Sent</h1>
<p>&ldquo;{{.Title}}&rdquo; was delivered to <strong>{{.Destination}}</strong>.</p>
{{else}}
<h1 class="error">Not sent</h1>
<p class="error">{{.Error}}</p>
{{end}}
<dl>
<dt>Article</dt><dd><a href="{{.URL}}">{{.URL}}</a></dd>
{{if .Stage}}<dt>Stopped at</dt><dd>{{.Stage}}</dd>{{end}}
{{with .Receipt}}<dt>Attempts</dt><dd>{{.Attempts}}</dd>{{if .Path}}<dt>File</dt><dd>{{.Path}}</dd>{{end}}{{end}}
{{if .Words}}<dt>Words</dt><dd>{{.Words}}</dd>{{end}}
</dl>
{{if .Warnings}}
<h2>Warnings</h2>
<ul class="warnings">{{range .Warnings}}<li>{{.}}</li>{{end}}</ul>
{{end}}
<p><a href="/">Send another article</a></p>
{{template "foot" .}}`

var (
	formTmpl   = template.Must(template.Must(template.New("form").Parse(layout)).Parse(formPage))
	statusTmpl = template.Must(template.Must(template.New("status").Parse(layout)).Parse(statusPage))
)
