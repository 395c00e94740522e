package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Body is the standard API response envelope.
type Body struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

func created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

func accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, Body{Success: true, Data: data})
}

// fail sends an error envelope, optionally with data describing the failure
func fail(c *gin.Context, status int, msg string, data ...any) {
	body := Body{Success: false, Error: msg}
	if len(data) > 0 {
		body.Data = data[0]
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	fail(c, http.StatusBadRequest, msg)
}

func notFound(c *gin.Context, msg string) {
	fail(c, http.StatusNotFound, msg)
}

func conflict(c *gin.Context, msg string) {
	fail(c, http.StatusConflict, msg)
}

func serviceUnavailable(c *gin.Context, msg string, data ...any) {
	fail(c, http.StatusServiceUnavailable, msg, data...)
}

func internal(c *gin.Context, msg string) {
	fail(c, http.StatusInternalServerError, msg)
}
