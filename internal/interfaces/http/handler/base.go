// Package handler implements the operator API endpoints.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/cfdisync/backend/internal/infrastructure/logger"
	"github.com/cfdisync/backend/internal/interfaces/http/dto"
	"github.com/cfdisync/backend/internal/interfaces/http/middleware"
)

// ActorHeader names the operator acting on a request. The API sits behind
// an authenticating proxy that sets it.
const ActorHeader = "X-Actor"

const defaultActor = "operator"

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// tenantID parses the :tenant_id path parameter. On failure the 400 is
// already written.
func (h *BaseHandler) tenantID(c *gin.Context) (uuid.UUID, bool) {
	return h.uuidParam(c, "tenant_id")
}

func (h *BaseHandler) uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		h.BadRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// actor returns the operator named by ActorHeader, or a generic one.
func actor(c *gin.Context) string {
	a := strings.TrimSpace(c.GetHeader(ActorHeader))
	if a == "" {
		return defaultActor
	}
	if len(a) > 128 {
		a = a[:128]
	}
	return a
}

// Success sends a success response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// SuccessWithMeta sends a success response with pagination meta
func (h *BaseHandler) SuccessWithMeta(c *gin.Context, data any, total int64, page, pageSize int) {
	c.JSON(http.StatusOK, dto.NewSuccessResponseWithMeta(data, total, page, pageSize))
}

// Created sends a 201 created response
func (h *BaseHandler) Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, dto.NewSuccessResponse(data))
}

// Error sends an error response with the appropriate status code
func (h *BaseHandler) Error(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, dto.NewErrorResponseWithRequestID(code, message, middleware.GetRequestID(c)))
}

// BadRequest sends a 400 bad request response
func (h *BaseHandler) BadRequest(c *gin.Context, message string) {
	h.Error(c, http.StatusBadRequest, dto.ErrCodeBadRequest, message)
}

// NotFound sends a 404 not found response
func (h *BaseHandler) NotFound(c *gin.Context, message string) {
	h.Error(c, http.StatusNotFound, dto.ErrCodeNotFound, message)
}

// BindError answers a failed ShouldBind* call: field errors get the
// validation body, malformed JSON a plain 400.
func (h *BaseHandler) BindError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		middleware.HandleValidationError(c, err)
		return
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		h.Error(c, http.StatusBadRequest, dto.ErrCodeInvalidJSON, "malformed JSON body")
		return
	}
	h.BadRequest(c, err.Error())
}

// HandleError converts err to a response. Domain errors keep their code;
// a wrapped sentinel reports the wrapping message, which carries the
// detail. Anything else is logged and hidden behind a 500.
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)

	var domainErr *shared.DomainError
	if errors.As(err, &domainErr) {
		code := dto.NormalizeErrorCode(domainErr.Code)
		message := domainErr.Message
		if error(domainErr) != err {
			message = err.Error()
		}
		h.Error(c, dto.GetHTTPStatus(code), code, message)
		return
	}

	logger.L(c.Request.Context()).Error("request failed",
		zap.String("request_id", middleware.GetRequestID(c)),
		zap.String("path", c.FullPath()),
		zap.Error(err))
	h.Error(c, http.StatusInternalServerError, dto.ErrCodeInternal, "An unexpected error occurred")
}

// pageFilter builds a shared.Filter from the common list parameters.
func pageFilter(req dto.ListRequest) shared.Filter {
	f := shared.DefaultFilter()
	if req.Page > 0 {
		f.Page = req.Page
	}
	if req.PageSize > 0 {
		f.PageSize = req.PageSize
	}
	if req.OrderBy != "" {
		f.OrderBy = req.OrderBy
	}
	if req.OrderDir != "" {
		f.OrderDir = req.OrderDir
	}
	f.Filters = map[string]interface{}{}
	return f
}
