// Package web embeds the dashboard's static assets so the server ships as a
// single binary.
package web

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static
var assets embed.FS

// Static returns a file server over the embedded asset tree.
func Static() http.Handler {
	sub, err := fs.Sub(assets, "static")
	if err != nil {
		// Unreachable unless the embed directive is broken at build time
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}

// Index serves the dashboard page.
func Index(w http.ResponseWriter, r *http.Request) {
	http.ServeFileFS(w, r, assets, "static/index.html")
}
