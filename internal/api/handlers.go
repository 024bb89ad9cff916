package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/bank-sync/pkg/models"
	"github.com/gorilla/mux"
)

// handleHealth checks the health status of all system components
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "healthy",
		"services": map[string]bool{
			"mysql":  s.mysqlDB != nil,
			"influx": s.influxDB != nil,
			"redis":  s.redisCache != nil,
			"nats":   s.natsClient != nil && s.natsClient.IsConnected(),
		},
		"connections": len(s.registry.All()),
		"timestamp":   time.Now().Unix(),
	}

	if s.wsManager != nil {
		health["websocket_clients"] = s.wsManager.ConnectionCount()
	}

	s.writeJSON(w, http.StatusOK, health)
}

// handleListConnections lists all linked connections with their sync state
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	type connectionView struct {
		ID            string             `json:"id"`
		RequisitionID string             `json:"requisition_id"`
		Status        *models.SyncStatus `json:"status"`
	}

	coords := s.registry.All()
	views := make([]connectionView, 0, len(coords))
	for _, c := range coords {
		views = append(views, connectionView{
			ID:            c.Connection().ID,
			RequisitionID: c.Connection().RequisitionID,
			Status:        c.Status(),
		})
	}

	s.writeJSON(w, http.StatusOK, views)
}

// handleGetBalances returns the latest snapshot set for a connection.
// Connections not coordinated by this instance are served from the cache.
func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if c := s.registry.Get(id); c != nil {
		s.writeJSON(w, http.StatusOK, &models.BalanceUpdate{
			ConnectionID: id,
			Snapshots:    c.Snapshots(),
			LastUpdated:  c.LastUpdated(),
		})
		return
	}

	update, err := s.redisCache.GetBalances(r.Context(), id)
	if err != nil {
		s.logger.WithError(err).Error("Failed to read cached balances")
		http.Error(w, "failed to read balances", http.StatusInternalServerError)
		return
	}
	if update == nil {
		http.Error(w, "connection not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, http.StatusOK, update)
}

// handleGetStatus returns the schedule state and last failure
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if c := s.registry.Get(id); c != nil {
		s.writeJSON(w, http.StatusOK, c.Status())
		return
	}

	status, err := s.redisCache.GetStatus(r.Context(), id)
	if err != nil {
		s.logger.WithError(err).Error("Failed to read cached status")
		http.Error(w, "failed to read status", http.StatusInternalServerError)
		return
	}
	if status == nil {
		http.Error(w, "connection not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, http.StatusOK, status)
}

// handleForceRefresh triggers an immediate fetch cycle
func (s *Server) handleForceRefresh(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	c := s.registry.Get(id)
	if c == nil {
		http.Error(w, "connection not found", http.StatusNotFound)
		return
	}

	c.ForceRefresh()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh scheduled"})
}

// handleGetHistory returns historical balance points for one account
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	connectionID := vars["id"]
	accountID := vars["account"]

	if s.influxDB == nil {
		http.Error(w, "history storage disabled", http.StatusNotImplemented)
		return
	}

	to := time.Now()
	from := to.AddDate(0, -1, 0) // default: last month

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid from timestamp", http.StatusBadRequest)
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid to timestamp", http.StatusBadRequest)
			return
		}
		to = t
	}

	points, err := s.influxDB.QueryBalanceHistory(r.Context(), connectionID, accountID, from, to)
	if err != nil {
		s.logger.WithError(err).Error("Failed to query balance history")
		http.Error(w, "failed to query history", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, points)
}

// handleWebSocket establishes a WebSocket subscription for balance updates
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.wsManager == nil {
		http.Error(w, "WebSocket service unavailable", http.StatusServiceUnavailable)
		return
	}
	s.wsManager.HandleWebSocket(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
