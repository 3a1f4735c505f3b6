package proxy

import (
	"net/http"
	"os"
	gopath "path"
	"path/filepath"
	"strings"

	"github.com/longcipher/axon/internal/model"
)

// ServeStatic serves a file from the route's root directory. The request path
// (minus the route prefix) is canonicalised and must resolve under root;
// anything escaping it is rejected with 403.
func ServeStatic(w http.ResponseWriter, r *http.Request, route *model.Route) {
	rel := strings.TrimPrefix(r.URL.Path, route.Prefix)
	if containsDotDot(rel) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	clean := gopath.Clean("/" + rel)

	root, err := filepath.Abs(route.StaticRoot)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	full := filepath.Join(root, filepath.FromSlash(clean))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	fi, err := os.Stat(full)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if fi.IsDir() {
		if route.IndexFile == "" {
			http.NotFound(w, r)
			return
		}
		full = filepath.Join(full, route.IndexFile)
		if _, err := os.Stat(full); err != nil {
			http.NotFound(w, r)
			return
		}
	}

	if route.CacheControl != "" {
		w.Header().Set("Cache-Control", route.CacheControl)
	}
	http.ServeFile(w, r, full)
}

// containsDotDot reports whether any path segment is "..".
func containsDotDot(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}
