package webserver

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static
var pageFS embed.FS

// overlayPage serves the embedded overlay page and its script and styles.
// Browser sources keep pages open for hours, so every load revalidates.
func overlayPage() http.Handler {
	sub, err := fs.Sub(pageFS, "static")
	if err != nil {
		panic(err)
	}
	files := http.FileServerFS(sub)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		files.ServeHTTP(w, r)
	})
}
