// Package web holds the dashboard page and its script, compiled into the
// binary.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

// Dashboard returns the embedded dashboard files rooted at dist/.
func Dashboard() fs.FS {
	sub, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: embedded dist directory missing: " + err.Error())
	}
	return sub
}

// SPAHandler serves the dashboard. Unknown paths get index.html so the page
// can route client side, except under /api/, which answers 404.
func SPAHandler() http.Handler {
	files := Dashboard()
	fileServer := http.FileServer(http.FS(files))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			http.NotFound(w, r)
			return
		}

		name := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
		if info, err := fs.Stat(files, name); name != "" && err == nil && !info.IsDir() {
			fileServer.ServeHTTP(w, r)
			return
		}

		// index.html changes with every build.
		w.Header().Set("Cache-Control", "no-cache")
		req := r.Clone(r.Context())
		req.URL.Path = "/"
		fileServer.ServeHTTP(w, req)
	})
}
