package checkin

import (
	"errors"
	"net/http"

	"eventops-engine/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the check-in endpoints used by scanners and the
// ticketing module.
func RegisterRoutes(router *gin.Engine, svc *Service) {
	v1 := router.Group("/v1")

	v1.POST("/checkin/attempts", func(c *gin.Context) {
		var req AttemptRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": errutil.StatusBadRequest, "message": err.Error()}})
			return
		}

		result, err := svc.Attempt(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, result)
	})

	v1.POST("/tickets", func(c *gin.Context) {
		var req IssueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": errutil.StatusBadRequest, "message": err.Error()}})
			return
		}

		ticket, err := svc.IssueTicket(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusCreated, ticket)
	})

	v1.POST("/tickets/:id/void", func(c *gin.Context) {
		if err := svc.VoidTicket(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}

		c.Status(http.StatusNoContent)
	})
}

func writeError(c *gin.Context, err error) {
	var base errutil.BaseError
	if errors.As(err, &base) {
		c.JSON(base.Code.HTTPStatus(), base.JSON())
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": errutil.StatusInternal, "message": "internal error"}})
}
