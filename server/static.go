package server

import (
	"bytes"
	"html/template"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
)

// IndexData is passed to the test page template.
type IndexData struct {
	APIRoot string
	// APIMethod is "RPC" or "REST", as the browser client expects it.
	APIMethod string
	Progress  bool
	WSPath    string
}

// index renders the test page. It is parsed on every request so that edits show up on reload.
func (s *DevServer) index(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if s.indexPath == "" {
		http.NotFound(w, r)
		return
	}
	tmpl, err := template.ParseFiles(s.indexPath)
	if err != nil {
		s.logger.Debugf("error parsing %s: %s", s.indexPath, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, IndexData{
		APIRoot:   s.cfg.APIRoot,
		APIMethod: strings.ToUpper(string(s.cfg.APIMethod)),
		Progress:  s.cfg.Progress,
		WSPath:    s.cfg.WSPath,
	})
	if err != nil {
		s.logger.Debugf("error rendering %s: %s", s.indexPath, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

// staticHandler serves the files next to the test page, such as the browser client and test scripts.
func (s *DevServer) staticHandler() http.Handler {
	if s.staticDir == "" {
		return http.NotFoundHandler()
	}
	return http.FileServer(http.Dir(s.staticDir))
}
