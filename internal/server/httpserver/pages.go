package httpserver

import (
	"html/template"
	"net/http"
)

var pages = template.Must(template.New("pages").Parse(`
{{define "login"}}<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Sign in</title></head>
<body>
<main>
<h1>Sign in</h1>
<form method="post" action="/login" hx-post="/login" hx-target="this" hx-swap="outerHTML">
<label>Username <input name="username" autocomplete="username" required></label>
<label>Password <input name="password" type="password" autocomplete="current-password" required></label>
<button type="submit">Sign in</button>
</form>
<div id="login-message"></div>
</main>
</body>
</html>{{end}}
{{define "login_success"}}<div id="login-success"><p>Welcome, {{.}}!</p><a href="/">Continue</a></div>{{end}}
{{define "login_message"}}<div id="login-message" role="alert">{{.}}</div>{{end}}
`))

func renderPage(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = pages.ExecuteTemplate(w, name, data)
}

// renderLoginMessage swaps the message element in place for htmx clients and stays on the login page.
func renderLoginMessage(w http.ResponseWriter, message string) {
	w.Header().Set("HX-Retarget", "#login-message")
	w.Header().Set("HX-Reswap", "outerHTML")
	renderPage(w, http.StatusOK, "login_message", message)
}
