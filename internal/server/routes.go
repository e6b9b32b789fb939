package server

import (
	"net/http"

	apperrors "github.com/zsiec/sensorlink/internal/errors"
	"github.com/zsiec/sensorlink/pkg/version"
)

// handleVersion handles the /version endpoint
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	apperrors.WriteJSON(w, http.StatusOK, version.GetInfo())
}
