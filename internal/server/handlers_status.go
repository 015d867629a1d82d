package server

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ontree-co/flashnode/internal/artifact"
	"github.com/ontree-co/flashnode/internal/broadcast"
	"github.com/ontree-co/flashnode/internal/history"
	"github.com/ontree-co/flashnode/internal/logging"
	"github.com/ontree-co/flashnode/internal/version"
)

// logTailLines is how many lines GET /logs returns
const logTailLines = 100

// statusResponse is the body of GET /status
type statusResponse struct {
	broadcast.Status
	// QueueSize is the number of live events buffered but not yet delivered
	QueueSize int `json:"queue_size"`
}

// handleStatus handles GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:    s.orch.Status(),
		QueueSize: s.hub.Pending(),
	})
}

// handleStop handles POST /stop. A running hardware sequence cannot be interrupted
// safely, so the request is only acknowledged.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Stop request received"})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	response := map[string]interface{}{
		"status":    "ok",
		"timestamp": s.now().Format(time.RFC3339),
		"version":   version.Version,
		"observers": s.hub.Count(),
	}
	if s.fetcher != nil {
		if free, err := s.fetcher.FreeSpace(); err == nil {
			response["temp_free_bytes"] = free
		} else {
			logging.Warnf("Failed to read free space of %s: %v", s.fetcher.Dir(), err)
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// handleCapabilities handles GET /capabilities
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"supported_options": map[string][]string{
			"basic": {"part", "programmer", "port", "baud", "bitclock", "config_file", "profile"},
			"boolean": {"disable_auto_erase", "disable_verify", "verbose", "extra_verbose",
				"quiet", "force", "erase_chip", "operation_only"},
			"advanced": {"extended_params", "memory_operations"},
		},
		"examples": map[string]string{
			"upload_hex":  "POST /upload with hex_file or hex_url",
			"erase_chip":  "POST /upload with operation_only=true&erase_chip=true",
			"read_fuses":  "POST /upload with operation_only=true&memory_operations=lfuse:r:-:h,hfuse:r:-:h,efuse:r:-:h",
			"write_fuses": "POST /upload with operation_only=true&memory_operations=lfuse:w:0xFF:m,hfuse:w:0xDE:m",
		},
		"supported_file_types": artifact.AllowedExtensions,
		"default_port":         s.config.SerialPort,
		"profiles":             s.profiles.Names(),
	})
}

// handleLogs handles GET /logs
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	path := logging.Path()
	if path == "" {
		path = filepath.Join(s.config.LogDir, logging.FileName)
	}
	lines, err := logging.Tail(path, logTailLines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"logs": lines})
}

// handlePorts handles GET /ports
func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	ports, err := s.listPorts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ports":        ports,
		"default_port": s.config.SerialPort,
	})
}

// handleProfiles handles GET /profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"profiles": s.profiles.List()})
}

func (s *Server) requireHistory(w http.ResponseWriter) bool {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "Operation history not available")
		return false
	}
	return true
}

// handleOperations handles GET /operations?limit=N
func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) || !s.requireHistory(w) {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	records, err := s.history.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": records})
}

// handleOperation handles GET /operations/{id}
func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) || !s.requireHistory(w) {
		return
	}

	record, err := s.history.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleOperationLogs handles GET /operations/{id}/logs
func (s *Server) handleOperationLogs(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) || !s.requireHistory(w) {
		return
	}

	id := r.PathValue("id")
	if _, err := s.history.Get(r.Context(), id); err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	lines, err := s.history.Logs(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operation_id": id, "logs": lines})
}
