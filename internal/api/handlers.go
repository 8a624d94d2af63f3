package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"zk-attendance-bridge/internal/device"
	"zk-attendance-bridge/internal/syncworker"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, HealthResponse{
		Status:  "healthy",
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Version: s.deps.Version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, s.session().Status())
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reconnect == nil {
		writeError(w, http.StatusNotImplemented, "reconnect not available")
		return
	}
	// Reconnects can take several backoff cycles; kick it off and return.
	go func() {
		if err := s.deps.Reconnect(context.Background()); err != nil {
			s.logger.WithError(err).Warn("Reconnect request failed")
		}
	}()
	writeMessage(w, http.StatusAccepted, "reconnect started")
}

func (s *Server) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.session().GetInfo(r.Context())
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeSuccess(w, info)
}

func (s *Server) handleDeviceScan(w http.ResponseWriter, r *http.Request) {
	devices := s.deps.Scanner.Scan(r.Context())
	writeSuccess(w, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *Server) handleDeviceConnect(w http.ResponseWriter, r *http.Request) {
	if s.deps.ConnectTo == nil {
		writeError(w, http.StatusNotImplemented, "connect not available")
		return
	}

	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	if req.Port == 0 {
		req.Port = 4370
	}

	go func() {
		if err := s.deps.ConnectTo(context.Background(), req.IP, req.Port); err != nil {
			s.logger.WithError(err).WithField("ip", req.IP).Warn("Connect request failed")
		}
	}()
	writeMessage(w, http.StatusAccepted, "connecting to "+req.IP)
}

func (s *Server) handleAttendanceLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := s.session().PullLog(r.Context())
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeSuccess(w, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handlePollingStart(w http.ResponseWriter, r *http.Request) {
	s.session().SetPermanentPolling(true)
	if err := s.session().ForcePoll(); err != nil && !errors.Is(err, device.ErrNotConnected) {
		s.logger.WithError(err).Warn("Initial forced poll failed")
	}
	writeMessage(w, http.StatusOK, "polling started")
}

func (s *Server) handlePollingStop(w http.ResponseWriter, r *http.Request) {
	s.session().SetPermanentPolling(false)
	writeMessage(w, http.StatusOK, "polling stopped")
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.session().GetUsers(r.Context())
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeSuccess(w, map[string]any{
		"users": users,
		"count": len(users),
	})
}

func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BiometricID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "biometricId and name are required")
		return
	}
	uid := req.UID
	if uid == 0 {
		parsed, err := strconv.Atoi(req.BiometricID)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "uid required when biometricId is not numeric")
			return
		}
		uid = parsed
	}

	err := s.session().SetUser(r.Context(), device.User{
		UID:    uid,
		UserID: req.BiometricID,
		Name:   req.Name,
	})
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "user written to device")
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	uid, err := strconv.Atoi(mux.Vars(r)["userId"])
	if err != nil || uid <= 0 {
		writeError(w, http.StatusBadRequest, "userId must be a positive integer")
		return
	}
	if err := s.session().DeleteUser(r.Context(), uid); err != nil {
		writeDeviceError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "user removed from device")
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, s.deps.Sync.Status())
}

func (s *Server) handleSyncForce(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sync.ForceSyncNow(); err != nil {
		if errors.Is(err, syncworker.ErrSyncInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeSuccess(w, s.deps.Sync.Status())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, s.deps.Cache.Stats())
}

func (s *Server) handlePipelineStats(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, s.deps.Pipeline.Stats())
}

func (s *Server) handleBatcherStats(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, s.deps.Durable.BatcherStats())
}

func (s *Server) handleBreakerStats(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, s.session().BreakerStats())
}

// writeDeviceError maps driver errors to HTTP statuses.
func writeDeviceError(w http.ResponseWriter, err error) {
	if errors.Is(err, device.ErrNotConnected) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}
