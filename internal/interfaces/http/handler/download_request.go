package handler

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cfdisync/backend/internal/application/acquisition"
	"github.com/cfdisync/backend/internal/application/reconciliation"
	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
)

// Acquirer drives bulk download requests.
type Acquirer interface {
	Submit(ctx context.Context, cmd acquisition.SubmitCommand) (*fiscal.DownloadRequest, error)
	PollRequest(ctx context.Context, requestID uuid.UUID) (*fiscal.DownloadRequest, error)
	PollPending(ctx context.Context) (acquisition.PollSummary, error)
	Request(ctx context.Context, id uuid.UUID) (*fiscal.DownloadRequest, []*fiscal.DownloadPackage, error)
}

// RequestLister pages a tenant's requests.
type RequestLister interface {
	ListByTenant(ctx context.Context, tenantID uuid.UUID, filter shared.Filter) (shared.Paginated[*fiscal.DownloadRequest], error)
}

// BatchReconciler mirrors the documents of one request.
type BatchReconciler interface {
	ReconcileBatch(ctx context.Context, tenantID, requestID uuid.UUID) (reconciliation.BatchSummary, error)
}

// DownloadRequestHandler serves the download request endpoints.
type DownloadRequestHandler struct {
	BaseHandler
	acquirer   Acquirer
	requests   RequestLister
	reconciler BatchReconciler
}

// NewDownloadRequestHandler creates the handler.
func NewDownloadRequestHandler(acquirer Acquirer, requests RequestLister, reconciler BatchReconciler) *DownloadRequestHandler {
	return &DownloadRequestHandler{acquirer: acquirer, requests: requests, reconciler: reconciler}
}

// Submit godoc
// @Summary  Submit a bulk download request
// @Tags     requests
// @Param    tenant_id path string true "Tenant ID"
// @Param    request body SubmitRequestBody true "Range and direction"
// @Success  201 {object} dto.Response{data=DownloadRequestResponse}
// @Router   /tenants/{tenant_id}/requests [post]
func (h *DownloadRequestHandler) Submit(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	var body SubmitRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.BindError(c, err)
		return
	}
	r, err := parseRange(body.Start, body.End)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	req, err := h.acquirer.Submit(c.Request.Context(), acquisition.SubmitCommand{
		TenantID:    tenantID,
		Range:       r,
		Direction:   fiscal.Direction(body.Direction),
		RequestedBy: actor(c),
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, toDownloadRequestResponse(req))
}

// parseRange reads two calendar dates, or RFC 3339 timestamps whose date
// part is used. Ranges always cover whole days.
func parseRange(start, end string) (fiscal.DateRange, error) {
	from, err := parseDate(start)
	if err != nil {
		return fiscal.DateRange{}, shared.NewDomainError("INVALID_INPUT", "start: "+err.Error())
	}
	to, err := parseDate(end)
	if err != nil {
		return fiscal.DateRange{}, shared.NewDomainError("INVALID_INPUT", "end: "+err.Error())
	}
	return fiscal.NewDateRange(from, to)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// List godoc
// @Summary  List a tenant's download requests
// @Tags     requests
// @Param    tenant_id path string true "Tenant ID"
// @Success  200 {object} dto.Response{data=[]DownloadRequestResponse}
// @Router   /tenants/{tenant_id}/requests [get]
func (h *DownloadRequestHandler) List(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	var q ListRequestsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.BindError(c, err)
		return
	}
	filter := pageFilter(q.ListRequest)
	if q.Status != "" {
		filter.Filters["status"] = q.Status
	}
	if q.Direction != "" {
		filter.Filters["direction"] = q.Direction
	}

	page, err := h.requests.ListByTenant(c.Request.Context(), tenantID, filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	items := make([]DownloadRequestResponse, len(page.Items))
	for i, r := range page.Items {
		items[i] = toDownloadRequestResponse(r)
	}
	h.SuccessWithMeta(c, items, page.Total, page.Page, page.PageSize)
}

// Get godoc
// @Summary  Get a download request with its packages
// @Tags     requests
// @Param    tenant_id path string true "Tenant ID"
// @Param    id path string true "Request ID"
// @Success  200 {object} dto.Response{data=RequestDetailResponse}
// @Router   /tenants/{tenant_id}/requests/{id} [get]
func (h *DownloadRequestHandler) Get(c *gin.Context) {
	req, pkgs, ok := h.load(c)
	if !ok {
		return
	}
	h.Success(c, toRequestDetail(req, pkgs))
}

// Poll asks the authority about one request right away.
func (h *DownloadRequestHandler) Poll(c *gin.Context) {
	req, _, ok := h.load(c)
	if !ok {
		return
	}
	if _, err := h.acquirer.PollRequest(c.Request.Context(), req.ID); err != nil {
		h.HandleError(c, err)
		return
	}
	// Reload: polling may have announced packages.
	req, pkgs, err := h.acquirer.Request(c.Request.Context(), req.ID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, toRequestDetail(req, pkgs))
}

// PollPending runs one poll pass over every pending request of every tenant.
func (h *DownloadRequestHandler) PollPending(c *gin.Context) {
	summary, err := h.acquirer.PollPending(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, summary)
}

// Reconcile mirrors the unreconciled documents of one request.
func (h *DownloadRequestHandler) Reconcile(c *gin.Context) {
	req, _, ok := h.load(c)
	if !ok {
		return
	}
	summary, err := h.reconciler.ReconcileBatch(c.Request.Context(), req.TenantID, req.ID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, summary)
}

// load fetches the :id request and hides requests of other tenants.
func (h *DownloadRequestHandler) load(c *gin.Context) (*fiscal.DownloadRequest, []*fiscal.DownloadPackage, bool) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return nil, nil, false
	}
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return nil, nil, false
	}
	req, pkgs, err := h.acquirer.Request(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return nil, nil, false
	}
	if req.TenantID != tenantID {
		h.NotFound(c, "download request not found")
		return nil, nil, false
	}
	return req, pkgs, true
}

func toRequestDetail(req *fiscal.DownloadRequest, pkgs []*fiscal.DownloadPackage) RequestDetailResponse {
	out := RequestDetailResponse{
		DownloadRequestResponse: toDownloadRequestResponse(req),
		Packages:                make([]PackageResponse, len(pkgs)),
	}
	for i, p := range pkgs {
		out.Packages[i] = toPackageResponse(p)
	}
	return out
}
