package health

import (
	"net/http"
)

// SetupHttpMux mounts the health endpoint on mux, typically next to /metrics.
func SetupHttpMux(mux *http.ServeMux, checker Checker) {
	mux.Handle("/health", NewHealthCheckHttpHandler(checker))
}
