package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/rum-correlator/internal/auth"
	"github.com/PratikDhanave/rum-correlator/internal/models"
	"github.com/PratikDhanave/rum-correlator/internal/session"
)

// RegisterSessionRoutes registers the session lifecycle endpoints.
//
// GET /sessions/:session_id/inflight
// - Reports the interactions a live session is still tracking
// - An unknown or expired session is simply not in flight
//
// POST /sessions/:session_id/close
// - Forces every pending interaction to its deadline and stores the result
// - Sent by the page on unload; 404 when no such session is live
func RegisterSessionRoutes(r gin.IRoutes, mgr *session.Manager, rec *Recorder) {
	r.GET("/sessions/:session_id/inflight", func(c *gin.Context) {
		tenantID := auth.TenantID(c)
		if tenantID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		sid, ok := sessionID(c)
		if !ok {
			return
		}

		resp := models.InFlightResponse{SessionID: sid, Events: []models.InFlightEvent{}}
		if s, ok := mgr.Lookup(tenantID, sid); ok {
			for _, ev := range s.Pending() {
				resp.Events = append(resp.Events, models.InFlightEvent{
					ID:           string(ev.ID),
					Type:         string(ev.Type),
					State:        ev.State.String(),
					URL:          ev.URL,
					Trigger:      ev.Trigger.UTC().Format(time.RFC3339Nano),
					Deadline:     ev.Deadline.UTC().Format(time.RFC3339Nano),
					Resources:    ev.Resources,
					NodesWatched: ev.NodesWatched,
				})
			}
			resp.InFlight = s.InFlight()
		}
		c.JSON(http.StatusOK, resp)
	})

	r.POST("/sessions/:session_id/close", func(c *gin.Context) {
		tenantID := auth.TenantID(c)
		if tenantID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		sid, ok := sessionID(c)
		if !ok {
			return
		}

		recs, ok := mgr.Close(tenantID, sid)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}

		ids, dup, err := rec.Persist(c.Request.Context(), tenantID, sid, recs)
		if err != nil {
			// The session is gone; retry in place before giving up.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 10*time.Second)
			rec.Flush(ctx, tenantID, sid, recs[len(ids):])
			cancel()
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db insert failed"})
			return
		}
		c.JSON(http.StatusOK, models.CloseSessionResponse{
			SessionID: sid,
			Emitted:   ids,
			Duplicate: dup,
		})
	})
}
