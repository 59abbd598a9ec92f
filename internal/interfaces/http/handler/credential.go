package handler

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cfdisync/backend/internal/application/credential"
	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
)

// maxCredentialFile bounds each uploaded .cer and .key file.
const maxCredentialFile = 64 << 10

// CredentialManager uploads and lists signing credentials.
type CredentialManager interface {
	Upload(ctx context.Context, cmd credential.UploadCommand) (*fiscal.SigningCredential, error)
	List(ctx context.Context, tenantID uuid.UUID) ([]*fiscal.SigningCredential, error)
}

// CredentialResponse describes a credential. Paths and secrets stay private.
type CredentialResponse struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	RFC          string     `json:"rfc"`
	SerialNumber string     `json:"serial_number"`
	NotBefore    time.Time  `json:"not_before"`
	NotAfter     time.Time  `json:"not_after"`
	Status       string     `json:"status"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toCredentialResponse(c *fiscal.SigningCredential) CredentialResponse {
	return CredentialResponse{
		ID:           c.ID.String(),
		Kind:         string(c.Kind),
		RFC:          c.RFC,
		SerialNumber: c.SerialNumber,
		NotBefore:    c.NotBefore,
		NotAfter:     c.NotAfter,
		Status:       string(c.Status),
		SupersededAt: c.SupersededAt,
		CreatedAt:    c.CreatedAt,
	}
}

// CredentialHandler serves the credential endpoints.
type CredentialHandler struct {
	BaseHandler
	credentials CredentialManager
}

// NewCredentialHandler creates the handler.
func NewCredentialHandler(credentials CredentialManager) *CredentialHandler {
	return &CredentialHandler{credentials: credentials}
}

// Upload godoc
// @Summary      Upload a FIEL or CSD
// @Description  Multipart form with kind, certificate (.cer), key (.key) and password. The new credential supersedes the active one of the same kind.
// @Tags         credentials
// @Accept       multipart/form-data
// @Param        tenant_id path string true "Tenant ID"
// @Success      201 {object} dto.Response{data=CredentialResponse}
// @Router       /tenants/{tenant_id}/credentials [post]
func (h *CredentialHandler) Upload(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	cer, err := readFormFile(c, "certificate")
	if err != nil {
		h.HandleError(c, err)
		return
	}
	key, err := readFormFile(c, "key")
	if err != nil {
		h.HandleError(c, err)
		return
	}

	cred, err := h.credentials.Upload(c.Request.Context(), credential.UploadCommand{
		TenantID:    tenantID,
		Kind:        fiscal.CredentialKind(strings.ToUpper(strings.TrimSpace(c.PostForm("kind")))),
		Certificate: cer,
		Key:         key,
		Password:    c.PostForm("password"),
		UploadedBy:  actor(c),
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, toCredentialResponse(cred))
}

// List returns every credential of the tenant, active and superseded.
func (h *CredentialHandler) List(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	creds, err := h.credentials.List(c.Request.Context(), tenantID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	out := make([]CredentialResponse, len(creds))
	for i, cred := range creds {
		out[i] = toCredentialResponse(cred)
	}
	h.Success(c, out)
}

func readFormFile(c *gin.Context, field string) ([]byte, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil, shared.NewDomainError("INVALID_INPUT", fmt.Sprintf("%s file is required", field))
	}
	if fh.Size > maxCredentialFile {
		return nil, shared.NewDomainError("INVALID_INPUT", fmt.Sprintf("%s file is larger than %d bytes", field, maxCredentialFile))
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer func(f multipart.File) { _ = f.Close() }(f)
	return io.ReadAll(io.LimitReader(f, maxCredentialFile))
}
