package api

import (
	"net/http"
	"strconv"

	"github.com/mhemeryck/evok2mqtt/internal/audit"
)

// handleListAudit returns paginated command audit entries.
//
// Query parameters:
//   - dev: filter by Evok device kind (relay, output, ...)
//   - circuit: filter by circuit id
//   - failed: "true" returns only failed commands
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeUnavailable(w, "command audit store not enabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Dev:     q.Get("dev"),
		Circuit: q.Get("circuit"),
	}

	if v := q.Get("failed"); v != "" {
		failed, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "failed must be a boolean")
			return
		}
		filter.Failed = failed
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "limit must be an integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "offset must be an integer")
			return
		}
		filter.Offset = n
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list command audit", "error", err)
		writeInternalError(w, "failed to list command audit")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
