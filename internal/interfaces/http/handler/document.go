package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cfdisync/backend/internal/application/reconciliation"
	"github.com/cfdisync/backend/internal/application/revalidation"
	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
)

// DocumentReader reads stored documents and their status ledger.
type DocumentReader interface {
	List(ctx context.Context, tenantID uuid.UUID, filter shared.Filter) (shared.Paginated[*fiscal.FiscalDocument], error)
	FindByUUID(ctx context.Context, tenantID uuid.UUID, documentUUID string) (*fiscal.FiscalDocument, error)
	ListStatusChecks(ctx context.Context, documentID uuid.UUID) ([]*fiscal.StatusCheck, error)
}

// StatusChecker runs operator status operations on one document.
type StatusChecker interface {
	CheckDocument(ctx context.Context, tenantID uuid.UUID, documentUUID, actor string) (*revalidation.CheckResult, error)
	RequestCancellation(ctx context.Context, tenantID uuid.UUID, documentUUID, actor, reason string) (*revalidation.CheckResult, error)
}

// DocumentReconciler mirrors one document into the accounting system.
type DocumentReconciler interface {
	Reconcile(ctx context.Context, tenantID uuid.UUID, documentUUID string) (reconciliation.Result, error)
}

// DocumentHandler serves the fiscal document endpoints.
type DocumentHandler struct {
	BaseHandler
	documents  DocumentReader
	checker    StatusChecker
	reconciler DocumentReconciler
}

// NewDocumentHandler creates the handler.
func NewDocumentHandler(documents DocumentReader, checker StatusChecker, reconciler DocumentReconciler) *DocumentHandler {
	return &DocumentHandler{documents: documents, checker: checker, reconciler: reconciler}
}

// List godoc
// @Summary  List a tenant's documents
// @Tags     documents
// @Param    tenant_id path string true "Tenant ID"
// @Success  200 {object} dto.Response{data=[]DocumentResponse}
// @Router   /tenants/{tenant_id}/documents [get]
func (h *DocumentHandler) List(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	var q ListDocumentsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.BindError(c, err)
		return
	}

	filter := pageFilter(q.ListRequest)
	for key, v := range map[string]string{
		"authority_status": q.AuthorityStatus,
		"lifecycle":        q.Lifecycle,
		"issuer_rfc":       q.IssuerRFC,
		"recipient_rfc":    q.RecipientRFC,
	} {
		if v != "" {
			filter.Filters[key] = v
		}
	}
	if q.Reconciled != nil {
		filter.Filters["reconciled"] = *q.Reconciled
	}
	if id, err := uuid.Parse(q.PackageID); err == nil {
		filter.Filters["package_id"] = id
	}
	// issued_to covers its whole day.
	if from, err := time.Parse(time.DateOnly, q.IssuedFrom); err == nil {
		filter.Filters["issued_from"] = from
	}
	if to, err := time.Parse(time.DateOnly, q.IssuedTo); err == nil {
		filter.Filters["issued_to"] = to.Add(24*time.Hour - time.Nanosecond)
	}

	page, err := h.documents.List(c.Request.Context(), tenantID, filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	items := make([]DocumentResponse, len(page.Items))
	for i, d := range page.Items {
		items[i] = toDocumentResponse(d)
	}
	h.SuccessWithMeta(c, items, page.Total, page.Page, page.PageSize)
}

// Get godoc
// @Summary  Get a document with its status ledger
// @Tags     documents
// @Param    tenant_id path string true "Tenant ID"
// @Param    uuid path string true "Fiscal folio (UUID)"
// @Success  200 {object} dto.Response{data=DocumentDetailResponse}
// @Router   /tenants/{tenant_id}/documents/{uuid} [get]
func (h *DocumentHandler) Get(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	d, err := h.documents.FindByUUID(c.Request.Context(), tenantID, c.Param("uuid"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	checks, err := h.documents.ListStatusChecks(c.Request.Context(), d.ID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	out := DocumentDetailResponse{
		DocumentResponse: toDocumentResponse(d),
		Checks:           make([]StatusCheckResponse, len(checks)),
	}
	for i, check := range checks {
		out.Checks[i] = toStatusCheckResponse(check)
	}
	h.Success(c, out)
}

// Check godoc
// @Summary      Check a document's status with the authority now
// @Description  Authority failures are reported as status check_failed, not as an error.
// @Tags         documents
// @Param        tenant_id path string true "Tenant ID"
// @Param        uuid path string true "Fiscal folio (UUID)"
// @Success      200 {object} dto.Response{data=revalidation.CheckResult}
// @Router       /tenants/{tenant_id}/documents/{uuid}/check [post]
func (h *DocumentHandler) Check(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	result, err := h.checker.CheckDocument(c.Request.Context(), tenantID, c.Param("uuid"), actor(c))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}

// RequestCancellation records that a cancellation was filed for a sent document.
func (h *DocumentHandler) RequestCancellation(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	var body CancellationBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			h.BindError(c, err)
			return
		}
	}
	result, err := h.checker.RequestCancellation(c.Request.Context(), tenantID, c.Param("uuid"), actor(c), body.Reason)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}

// Reconcile mirrors one document into the accounting system.
func (h *DocumentHandler) Reconcile(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	result, err := h.reconciler.Reconcile(c.Request.Context(), tenantID, c.Param("uuid"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}
