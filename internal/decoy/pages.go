package decoy

import (
	"html/template"
	"net/http"
)

var loginTmpl = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Administration Panel - Login</title>
<style>
body { font-family: Arial, sans-serif; background: #f0f2f5; display: flex; justify-content: center; align-items: center; height: 100vh; margin: 0; }
.login-box { background: #fff; padding: 2rem; border-radius: 6px; box-shadow: 0 1px 4px rgba(0,0,0,.15); width: 320px; }
h1 { font-size: 1.2rem; margin-top: 0; color: #333; }
input { width: 100%; padding: .6rem; margin: .4rem 0; border: 1px solid #ccc; border-radius: 4px; box-sizing: border-box; }
button { width: 100%; padding: .6rem; margin-top: .6rem; background: #1877f2; color: #fff; border: 0; border-radius: 4px; cursor: pointer; }
.error { color: #c0392b; font-size: .85rem; }
.footer { margin-top: 1rem; font-size: .75rem; color: #999; text-align: center; }
</style>
</head>
<body>
<div class="login-box">
<h1>Administration Panel</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="POST" action="/login">
<input type="text" name="username" placeholder="Username" autocomplete="off">
<input type="password" name="password" placeholder="Password">
<button type="submit">Sign In</button>
</form>
<div class="footer">&copy; 2019 Intranet Services v2.3.1</div>
</div>
</body>
</html>
`))

var adminTmpl = template.Must(template.New("admin").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Administration Panel</title>
<style>
body { font-family: Arial, sans-serif; background: #f0f2f5; margin: 0; padding: 2rem; }
.panel { background: #fff; padding: 2rem; border-radius: 6px; max-width: 720px; margin: 0 auto; }
h1 { font-size: 1.3rem; color: #333; }
table { width: 100%; border-collapse: collapse; margin-top: 1rem; }
td, th { padding: .5rem; border-bottom: 1px solid #eee; text-align: left; font-size: .9rem; }
.status { color: #27ae60; }
</style>
</head>
<body>
<div class="panel">
<h1>System Administration</h1>
<table>
<tr><th>Service</th><th>Status</th></tr>
<tr><td>Database backup</td><td class="status">Running</td></tr>
<tr><td>Mail relay</td><td class="status">Running</td></tr>
<tr><td>File synchronization</td><td class="status">Running</td></tr>
<tr><td>Certificate renewal</td><td class="status">Scheduled</td></tr>
</table>
</div>
</body>
</html>
`))

func (s *Server) renderLogin(w http.ResponseWriter, errMsg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loginTmpl.Execute(w, struct{ Error string }{Error: errMsg})
}

func renderAdmin(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = adminTmpl.Execute(w, nil)
}
