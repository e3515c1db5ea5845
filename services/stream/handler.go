package stream

import (
	"errors"
	"net/http"

	"eventops-engine/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the event intake used by the PDV sales module.
func RegisterRoutes(router *gin.Engine, svc *Service) {
	v1 := router.Group("/v1")

	v1.POST("/events/sales", func(c *gin.Context) {
		var sale SaleConfirmed
		if err := c.ShouldBindJSON(&sale); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": errutil.StatusBadRequest, "message": err.Error()}})
			return
		}

		if err := svc.PublishSale(c.Request.Context(), sale); err != nil {
			var base errutil.BaseError
			if errors.As(err, &base) {
				c.JSON(base.Code.HTTPStatus(), base.JSON())
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": errutil.StatusInternal, "message": "internal error"}})
			return
		}

		c.Status(http.StatusAccepted)
	})
}
