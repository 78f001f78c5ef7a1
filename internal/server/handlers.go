package server

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/driftsynchq/driftsync/internal/coordinator"
	"github.com/driftsynchq/driftsync/internal/events"
	"github.com/driftsynchq/driftsync/internal/oplog"
	"github.com/driftsynchq/driftsync/internal/policy"
)

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req oplog.EnqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "VALIDATION")
		return
	}
	res, err := s.log.Enqueue(req)
	if err != nil {
		writeOplogError(w, err)
		return
	}
	s.bus.Publish(events.TypeQueueChanged, map[string]any{
		"operation_id": res.OperationID,
		"state":        res.State,
	})
	status := http.StatusCreated
	if res.Merged {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ops, err := s.log.List(r.URL.Query().Get("state"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
		return
	}
	if ops == nil {
		ops = []oplog.Operation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.log.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeOplogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := s.log.Cancel(id)
	if err != nil {
		writeOplogError(w, err)
		return
	}
	if !cancelled {
		writeError(w, http.StatusConflict, "operation is not cancellable", "NOT_CANCELLABLE")
		return
	}
	s.bus.Publish(events.TypeQueueChanged, map[string]any{
		"operation_id": id,
		"state":        "cancelled",
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleResumeOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.log.Resume(id); err != nil {
		writeOplogError(w, err)
		return
	}
	s.bus.Publish(events.TypeQueueChanged, map[string]any{
		"operation_id": id,
		"state":        oplog.StateQueued,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	conflicts, err := s.log.Conflicts(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
		return
	}
	if conflicts == nil {
		conflicts = []oplog.Conflict{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Stats())
}

func (s *Server) handleCacheQuarantine(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.Quarantined()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleCacheCompact(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.Compact()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key", "VALIDATION")
		return
	}
	value, ok, err := s.store.Get(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "key not found", "NOT_FOUND")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(value)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") == "true" {
		res, err := s.coord.Sync(r.Context())
		if err != nil {
			writeError(w, http.StatusConflict, err.Error(), "SYNC_RUNNING")
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	s.coord.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) handleSyncCancel(w http.ResponseWriter, r *http.Request) {
	s.coord.CancelSession()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// statusResponse aggregates the health of every subsystem.
type statusResponse struct {
	Queue        *oplog.QueueSnapshot `json:"queue"`
	Sync         coordinator.Status   `json:"sync"`
	Connectivity connectivitySnapshot `json:"connectivity"`
}

type connectivitySnapshot struct {
	Network      string  `json:"network"`
	BatteryLevel float64 `json:"battery_level"`
	Charging     bool    `json:"charging"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.log.Snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
		return
	}
	device := s.monitor.State()
	writeJSON(w, http.StatusOK, statusResponse{
		Queue: snap,
		Sync:  s.coord.Status(),
		Connectivity: connectivitySnapshot{
			Network:      string(device.Network),
			BatteryLevel: device.BatteryLevel,
			Charging:     device.Charging,
		},
	})
}

// connectivityRequest is the device signal report from the platform layer.
type connectivityRequest struct {
	Network      *string  `json:"network,omitempty"` // offline, cellular, wifi
	BatteryLevel *float64 `json:"battery_level,omitempty"`
	Charging     *bool    `json:"charging,omitempty"`
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "VALIDATION")
		return
	}
	if req.Network != nil {
		switch policy.Network(*req.Network) {
		case policy.NetworkOffline, policy.NetworkCellular, policy.NetworkWifi:
			s.monitor.SetNetwork(policy.Network(*req.Network))
		default:
			writeError(w, http.StatusBadRequest, "network must be offline, cellular, or wifi", "VALIDATION")
			return
		}
	}
	if req.BatteryLevel != nil || req.Charging != nil {
		state := s.monitor.State()
		level := state.BatteryLevel
		charging := state.Charging
		if req.BatteryLevel != nil {
			level = *req.BatteryLevel
		}
		if req.Charging != nil {
			charging = *req.Charging
		}
		s.monitor.SetPower(level, charging)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
