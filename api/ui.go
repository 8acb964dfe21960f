package api

import (
	"bytes"
	_ "embed"
	"fmt"
	"net/http"
	"time"
)

//go:embed ui/dist/index.html
var indexHTML []byte

// uiModTime lets browsers revalidate the page across restarts.
var uiModTime = time.Now()

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("no route for %s", r.URL.Path))
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.methodNotAllowed(w, r, http.MethodGet+", "+http.MethodHead)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, "index.html", uiModTime, bytes.NewReader(indexHTML))
}
