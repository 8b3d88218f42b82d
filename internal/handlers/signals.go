package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/rum-correlator/internal/auth"
	"github.com/PratikDhanave/rum-correlator/internal/models"
	"github.com/PratikDhanave/rum-correlator/internal/session"
)

// MaxSignalsPerBatch bounds one POST.
const MaxSignalsPerBatch = 1000

// MaxBatchBytes bounds the body of one POST.
const MaxBatchBytes = 4 << 20

const maxSessionIDLen = 128

// sessionID reads and validates the :session_id path parameter. On failure
// it has already written the 400 response.
func sessionID(c *gin.Context) (string, bool) {
	id := c.Param("session_id")
	if id == "" || len(id) > maxSessionIDLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id must be 1-128 characters"})
		return "", false
	}
	return id, true
}

// RegisterSignalRoutes registers the ingestion-path endpoint.
//
// POST /sessions/:session_id/signals
//   - Requires X-API-Key (tenant context)
//   - Replays the batch through the session's engine in timestamp order
//   - Durable: returns success only after every emitted record is stored;
//     records that could not be stored come back with the next batch
//   - Idempotent: records are keyed by (tenant_id, record_id)
func RegisterSignalRoutes(r gin.IRoutes, mgr *session.Manager, rec *Recorder) {
	r.POST("/sessions/:session_id/signals", func(c *gin.Context) {
		tenantID := auth.TenantID(c)
		if tenantID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		sid, ok := sessionID(c)
		if !ok {
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBatchBytes)
		var req models.SignalBatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "batch body too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}
		if len(req.Signals) > MaxSignalsPerBatch {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too many signals in one batch"})
			return
		}

		res, err := mgr.Apply(c.Request.Context(), tenantID, sid, req)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session unavailable"})
			return
		}

		ids, dup, err := rec.Persist(c.Request.Context(), tenantID, sid, res.Records)
		if err != nil {
			unsaved := res.Records[len(ids):]
			if !mgr.Requeue(tenantID, sid, unsaved) {
				// Evicted meanwhile; retry in place before giving up.
				ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 10*time.Second)
				rec.Flush(ctx, tenantID, sid, unsaved)
				cancel()
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db insert failed"})
			return
		}

		c.JSON(http.StatusOK, models.SignalBatchResponse{
			SessionID: sid,
			Accepted:  res.Accepted,
			Rejected:  res.Rejected,
			Emitted:   ids,
			Duplicate: dup,
			InFlight:  res.InFlight,
		})
	})
}
