package handler

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cfdisync/backend/internal/infrastructure/sat"
	"github.com/cfdisync/backend/internal/interfaces/http/middleware"
)

// BlacklistLookup answers whether a taxpayer is on the 69-B list.
type BlacklistLookup interface {
	Lookup(ctx context.Context, rfc string) (*sat.BlacklistResult, error)
}

// BlacklistHandler serves the 69-B lookup.
type BlacklistHandler struct {
	BaseHandler
	blacklist BlacklistLookup
}

// NewBlacklistHandler creates the handler.
func NewBlacklistHandler(blacklist BlacklistLookup) *BlacklistHandler {
	return &BlacklistHandler{blacklist: blacklist}
}

// Lookup godoc
// @Summary  Look an RFC up in the 69-B list
// @Tags     blacklist
// @Param    rfc path string true "Taxpayer RFC"
// @Success  200 {object} dto.Response{data=sat.BlacklistResult}
// @Router   /blacklist/{rfc} [get]
func (h *BlacklistHandler) Lookup(c *gin.Context) {
	rfc := strings.ToUpper(strings.TrimSpace(c.Param("rfc")))
	if !middleware.IsRFC(rfc) {
		h.BadRequest(c, "invalid RFC")
		return
	}
	result, err := h.blacklist.Lookup(c.Request.Context(), rfc)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}
