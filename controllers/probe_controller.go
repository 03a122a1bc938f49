package controllers

import (
	"net/http"

	"deepchat/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ProbeController struct {
	probe  *services.ProbeService
	logger *zap.Logger
}

func NewProbeController(probe *services.ProbeService, logger *zap.Logger) *ProbeController {
	return &ProbeController{probe: probe, logger: logger}
}

// HandleTest checks upstream connectivity.
func (ctl *ProbeController) HandleTest(c *gin.Context) {
	res, err := ctl.probe.Probe(c.Request.Context())
	if err != nil {
		ctl.logger.Warn("upstream probe failed", zap.Error(err))
		body := gin.H{"error": "No upstream endpoint answered"}
		if res != nil {
			body["failures"] = res.Failures
		}
		c.JSON(http.StatusBadGateway, body)
		return
	}
	c.JSON(http.StatusOK, res)
}
