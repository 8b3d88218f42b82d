package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/rum-correlator/internal/auth"
	"github.com/PratikDhanave/rum-correlator/internal/correlator"
	"github.com/PratikDhanave/rum-correlator/internal/store"
)

// RegisterMetricRoutes registers the serving-path endpoint.
//
// GET /metrics?type=...&from=...&to=...
// - Requires X-API-Key (tenant context)
// - Returns count, timeout count and mean duration for the window [from,to)
func RegisterMetricRoutes(r gin.IRoutes, st store.Store) {
	r.GET("/metrics", func(c *gin.Context) {
		tenantID := auth.TenantID(c)
		if tenantID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		typ := c.Query("type")
		if typ == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "type, from, to are required"})
			return
		}
		if !recordTypes[correlator.RecordType(typ)] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown type"})
			return
		}
		from, to, ok := window(c)
		if !ok {
			return
		}

		stats, err := st.InteractionStats(c.Request.Context(), tenantID, typ, from, to)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"type":             typ,
			"count":            stats.Count,
			"timed_out":        stats.TimedOut,
			"mean_duration_ms": stats.MeanDuration,
		})
	})
}
