package proxy

import (
	"net/http"

	"github.com/longcipher/axon/internal/model"
)

// ServeRedirect answers immediately with the configured status and Location.
func ServeRedirect(w http.ResponseWriter, _ *http.Request, route *model.Route) {
	w.Header().Set("Location", route.RedirectTarget)
	w.WriteHeader(route.RedirectStatus)
}
