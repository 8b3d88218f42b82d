package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/rum-correlator/internal/correlator"
)

// parseRFC3339 parses an RFC3339 timestamp and normalizes it to UTC.
func parseRFC3339(ts string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// window reads the required from/to query parameters. On failure it has
// already written the 400 response.
func window(c *gin.Context) (from, to time.Time, ok bool) {
	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" || toStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from, to are required"})
		return from, to, false
	}

	from, err := parseRFC3339(fromStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
		return from, to, false
	}
	to, err = parseRFC3339(toStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
		return from, to, false
	}

	// Validate window to avoid confusing results.
	if !from.Before(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be < to"})
		return from, to, false
	}
	return from, to, true
}

// recordTypes are the values accepted for the type query parameter.
var recordTypes = map[correlator.RecordType]bool{
	correlator.RecordSPAHard: true,
	correlator.RecordSPA:     true,
	correlator.RecordXHR:     true,
	correlator.RecordFetch:   true,
	correlator.RecordClick:   true,
}
