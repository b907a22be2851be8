package apihandlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"drospect/internal/services"
	"drospect/internal/store"
)

// APIError defines standard error response
// Example: { "error": { "code": "not_found", "message": "task abc not found" } }
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error APIError `json:"error"`
}

// JSONError sends a structured error response
func JSONError(ctx *gin.Context, status int, code, msg string) {
	ctx.AbortWithStatusJSON(status, errorResponse{Error: APIError{Code: code, Message: msg}})
}

// Convenience wrappers
func BadRequest(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusBadRequest, "bad_request", msg)
}

func PaymentRequired(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusPaymentRequired, "insufficient_credits", msg)
}

func NotFound(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusNotFound, "not_found", msg)
}

func Internal(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusInternalServerError, "internal_error", msg)
}

func Conflict(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusConflict, "conflict", msg)
}

// respondError maps service errors onto the envelope. Internal errors are
// logged with the route and returned without detail.
func respondError(c *gin.Context, err error) {
	switch {
	case services.IsValidation(err):
		BadRequest(c, err.Error())
	case errors.Is(err, store.ErrInsufficientCredits):
		PaymentRequired(c, err.Error())
	case errors.Is(err, store.ErrNotFound):
		NotFound(c, err.Error())
	case errors.Is(err, store.ErrConflict):
		Conflict(c, err.Error())
	default:
		log.WithError(err).WithFields(log.Fields{"method": c.Request.Method, "path": c.FullPath()}).Error("request failed")
		Internal(c, "internal server error")
	}
}
