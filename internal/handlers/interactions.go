package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/rum-correlator/internal/auth"
	"github.com/PratikDhanave/rum-correlator/internal/correlator"
	"github.com/PratikDhanave/rum-correlator/internal/store"
)

// RegisterInteractionRoutes registers the record listing endpoint.
//
// GET /interactions?from=...&to=...[&type=...][&limit=...]
// - Requires X-API-Key (tenant context)
// - Returns records whose start falls in [from,to), oldest first
func RegisterInteractionRoutes(r gin.IRoutes, st store.Store) {
	r.GET("/interactions", func(c *gin.Context) {
		tenantID := auth.TenantID(c)
		if tenantID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		from, to, ok := window(c)
		if !ok {
			return
		}
		q := store.Query{From: from, To: to}

		if typ := c.Query("type"); typ != "" {
			if !recordTypes[correlator.RecordType(typ)] {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown type"})
				return
			}
			q.Type = typ
		}
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			q.Limit = n
		}

		items, err := st.ListInteractions(c.Request.Context(), tenantID, q)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
			return
		}
		if items == nil {
			items = []store.Interaction{}
		}
		c.JSON(http.StatusOK, gin.H{
			"count":        len(items),
			"interactions": items,
		})
	})
}
