package handler

import (
	"net/http"

	"github.com/evident-proof/evident/internal/health"
	"github.com/gin-gonic/gin"
)

// HealthHandler serves /healthz from the dependency checker. A nil checker
// always reports ok.
func HealthHandler(checker *health.Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if checker == nil {
			c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy})
			return
		}
		r := checker.Report()
		status := http.StatusOK
		if r.Status != health.StatusHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, r)
	}
}
