package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// MonitorHandler serves the worker's health and statistics
type MonitorHandler struct {
	worker WorkerMonitor
}

func NewMonitorHandler(worker WorkerMonitor) *MonitorHandler {
	return &MonitorHandler{worker: worker}
}

// Health handles GET /health
func (h *MonitorHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, h.worker.Health())
}

// Stats handles GET /stats
func (h *MonitorHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.worker.Stats())
}

// ResetStats handles POST /stats/reset
func (h *MonitorHandler) ResetStats(c *gin.Context) {
	h.worker.ResetStats()
	c.Status(http.StatusNoContent)
}
