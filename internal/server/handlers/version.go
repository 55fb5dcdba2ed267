package handlers

import (
	"net/http"

	"github.com/eventmill/eventmill/internal/version"
)

// VersionHandler serves GET /version with build metadata.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}
