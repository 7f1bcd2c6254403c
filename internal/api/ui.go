package api

import (
	_ "embed"
	"net/http"
)

//go:embed console.html
var consoleHTML []byte

// uiHandler serves the operator console.
func uiHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(consoleHTML)
}
