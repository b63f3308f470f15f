package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/livinlefevreloca/worldsync/internal/db"
	"github.com/livinlefevreloca/worldsync/internal/scheduler"
)

const redacted = "********"

type errorResponse struct {
	Error string `json:"error"`
}

type syncResponse struct {
	Started bool   `json:"started"`
	Adapter string `json:"adapter,omitempty"`
}

type logEntryResponse struct {
	ID              string     `json:"id"`
	Adapter         string     `json:"adapter"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	RecordsFetched  int        `json:"recordsFetched"`
	RecordsUpserted int        `json:"recordsUpserted"`
	ErrorMessage    *string    `json:"errorMessage,omitempty"`
}

type adapterStatusResponse struct {
	Adapter string `json:"adapter"`
	// State is "never" for adapters without a log entry, otherwise the
	// latest entry's status
	State  string            `json:"state"`
	Latest *logEntryResponse `json:"latest,omitempty"`
}

type statusResponse struct {
	Syncing    bool                    `json:"syncing"`
	TimerArmed bool                    `json:"timerArmed"`
	Adapters   []adapterStatusResponse `json:"adapters"`
}

func toLogEntry(e db.SyncLogEntry) logEntryResponse {
	return logEntryResponse{
		ID:              e.ID,
		Adapter:         e.Adapter,
		Status:          e.Status,
		StartedAt:       e.StartedAt,
		CompletedAt:     e.CompletedAt,
		RecordsFetched:  e.RecordsFetched,
		RecordsUpserted: e.RecordsUpserted,
		ErrorMessage:    e.ErrorMessage,
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "syncing": s.syncer.Running()})
}

func (s *Server) syncAll(c *gin.Context) {
	if !s.syncer.TriggerAll(s.base) {
		c.JSON(http.StatusConflict, syncResponse{Started: false})
		return
	}
	c.JSON(http.StatusAccepted, syncResponse{Started: true})
}

func (s *Server) syncOne(c *gin.Context) {
	adapter := c.Param("adapter")

	started, err := s.syncer.TriggerOne(s.base, adapter)
	if errors.Is(err, scheduler.ErrUnknownAdapter) {
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	if !started {
		c.JSON(http.StatusConflict, syncResponse{Started: false, Adapter: adapter})
		return
	}
	c.JSON(http.StatusAccepted, syncResponse{Started: true, Adapter: adapter})
}

func (s *Server) status(c *gin.Context) {
	statuses, err := s.syncer.Status(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to load status"})
		return
	}

	resp := statusResponse{
		Syncing:    s.syncer.Running(),
		TimerArmed: s.syncer.Armed(),
		Adapters:   make([]adapterStatusResponse, 0, len(statuses)),
	}
	for _, st := range statuses {
		item := adapterStatusResponse{Adapter: st.Adapter, State: "never"}
		if st.Latest != nil {
			latest := toLogEntry(*st.Latest)
			item.State = latest.Status
			item.Latest = &latest
		}
		resp.Adapters = append(resp.Adapters, item)
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) listLogs(c *gin.Context) {
	limit := DefaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, MaxLogLimit)
	}

	entries, err := s.store.ListSyncLogs(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to list sync logs"})
		return
	}

	out := make([]logEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toLogEntry(e))
	}
	c.JSON(http.StatusOK, gin.H{"entries": out, "limit": limit})
}

func (s *Server) clearLogs(c *gin.Context) {
	deleted, err := s.store.ClearSyncLogs(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to clear sync logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (s *Server) getSettings(c *gin.Context) {
	settings, err := s.store.GetSettings(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to load settings"})
		return
	}
	c.JSON(http.StatusOK, redactSettings(settings))
}

// putSettings writes every key or none. A changed sync interval re-arms
// the timer.
func (s *Server) putSettings(c *gin.Context) {
	var values map[string]string
	if err := c.ShouldBindJSON(&values); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "body must be a JSON object of string values"})
		return
	}

	ctx := c.Request.Context()
	err := s.store.SetSettings(ctx, values)
	switch {
	case errors.Is(err, db.ErrUnknownSetting), errors.Is(err, db.ErrInvalidSetting):
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to save settings"})
		return
	}

	if raw, ok := values[db.SettingSyncInterval]; ok {
		interval, err := db.ParseSyncInterval(raw)
		if err == nil {
			err = s.syncer.Start(s.base, interval)
		}
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, errorResponse{Error: "settings saved but the timer could not be re-armed"})
			return
		}
	}

	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to load settings"})
		return
	}
	c.JSON(http.StatusOK, redactSettings(settings))
}

func redactSettings(settings map[string]string) map[string]string {
	out := make(map[string]string, len(settings))
	for k, v := range settings {
		if k == db.SettingACLEDPassword && v != "" {
			v = redacted
		}
		out[k] = v
	}
	return out
}
