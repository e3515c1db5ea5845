package query

import (
	"errors"
	"net/http"
	"time"

	"eventops-engine/pkg/errutil"
	"eventops-engine/pkg/scope"
	"eventops-engine/services/metrics"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the read-side endpoints consumed by dashboards.
func RegisterRoutes(router *gin.Engine, svc *Service) {
	v1 := router.Group("/v1")

	v1.GET("/rankings/:scope", func(c *gin.Context) {
		sc, err := scope.Parse(c.Param("scope"))
		if err != nil {
			writeError(c, errutil.BadRequest(err.Error()))
			return
		}

		view, err := svc.GetRanking(c.Request.Context(), sc)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, view)
	})

	v1.GET("/metrics/:scope", func(c *gin.Context) {
		sc, err := scope.Parse(c.Param("scope"))
		if err != nil {
			writeError(c, errutil.BadRequest(err.Error()))
			return
		}

		w, err := parseWindow(c, svc.metrics.Location())
		if err != nil {
			writeError(c, err)
			return
		}

		view, err := svc.GetMetrics(c.Request.Context(), sc, w)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, view)
	})
}

// parseWindow reads ?window=day|hour and an optional ?start=RFC3339;
// start defaults to the current window.
func parseWindow(c *gin.Context, loc *time.Location) (metrics.Window, error) {
	at := time.Now()
	if raw := c.Query("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return metrics.Window{}, errutil.BadRequest("start must be RFC3339")
		}
		at = parsed
	}

	switch c.DefaultQuery("window", metrics.WindowDay) {
	case metrics.WindowDay:
		return metrics.DayWindow(at, loc), nil
	case metrics.WindowHour:
		return metrics.HourWindow(at, loc), nil
	default:
		return metrics.Window{}, errutil.BadRequest("window must be day or hour")
	}
}

func writeError(c *gin.Context, err error) {
	var base errutil.BaseError
	if errors.As(err, &base) {
		c.JSON(base.Code.HTTPStatus(), base.JSON())
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": errutil.StatusInternal, "message": "internal error"}})
}
