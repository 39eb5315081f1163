package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// EventLoggingBatch accepts client telemetry batches and discards them.
// Claude Code posts these unconditionally; a 404 makes it retry forever.
func EventLoggingBatch(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true})
}
