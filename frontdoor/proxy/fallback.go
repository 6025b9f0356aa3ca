package proxy

import (
	"encoding/json"
	"html/template"
	"net/http"
)

const defaultRefreshSeconds = 5

var startingPage = template.Must(template.New("starting").Parse(`<!DOCTYPE html>
<html>
  <head>
    <title>{{.Title}} - Loading...</title>
    <meta http-equiv="refresh" content="{{.RefreshSeconds}}">
    <style>
      body { font-family: Arial, sans-serif; text-align: center; padding: 50px; }
      .loader { border: 4px solid #f3f3f3; border-top: 4px solid #3498db; border-radius: 50%; width: 40px; height: 40px; animation: spin 2s linear infinite; margin: 20px auto; }
      @keyframes spin { 0% { transform: rotate(0deg); } 100% { transform: rotate(360deg); } }
    </style>
  </head>
  <body>
    <h1>{{.Title}} is starting...</h1>
    <div class="loader"></div>
    <p>Please wait while the application loads...</p>
    <script>setTimeout(() => location.reload(), {{.RefreshMillis}});</script>
  </body>
</html>
`))

// ErrorResponse is the JSON body returned when an API upstream is unavailable.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Fallback writes the responses used while an upstream cannot be reached.
type Fallback struct {
	staticDir      string
	title          string
	refreshSeconds int
}

// NewFallback creates a Fallback. staticDir may be empty; refreshSeconds <= 0 means 5.
func NewFallback(staticDir, title string, refreshSeconds int) *Fallback {
	if refreshSeconds <= 0 {
		refreshSeconds = defaultRefreshSeconds
	}
	if title == "" {
		title = "PC Builder AI"
	}
	return &Fallback{staticDir: staticDir, title: title, refreshSeconds: refreshSeconds}
}

// Serve writes the fallback for kind.
func (f *Fallback) Serve(w http.ResponseWriter, r *http.Request, kind RouteKind) {
	if kind == KindAPI {
		f.ServeAPI(w)
		return
	}
	f.ServeUI(w, r)
}

// ServeAPI writes the 502 JSON envelope.
func (f *Fallback) ServeAPI(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   "Backend service unavailable",
		Message: "Please try again in a moment",
	})
}

// ServeUI serves the built index.html when present, otherwise a 502 page that reloads itself.
func (f *Fallback) ServeUI(w http.ResponseWriter, r *http.Request) {
	if serveStatic(w, r, f.staticDir, "index.html") {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusBadGateway)
	startingPage.Execute(w, struct {
		Title          string
		RefreshSeconds int
		RefreshMillis  int
	}{f.title, f.refreshSeconds, f.refreshSeconds * 1000})
}
