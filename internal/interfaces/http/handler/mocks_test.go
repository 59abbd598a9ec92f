package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cfdisync/backend/internal/application/acquisition"
	"github.com/cfdisync/backend/internal/application/credential"
	"github.com/cfdisync/backend/internal/application/reconciliation"
	"github.com/cfdisync/backend/internal/application/revalidation"
	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/cfdisync/backend/internal/infrastructure/sat"
	"github.com/cfdisync/backend/internal/interfaces/http/dto"
	"github.com/cfdisync/backend/internal/interfaces/http/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
	if err := middleware.SetupValidator(); err != nil {
		panic(err)
	}
}

type MockAcquirer struct {
	mock.Mock
}

func (m *MockAcquirer) Submit(ctx context.Context, cmd acquisition.SubmitCommand) (*fiscal.DownloadRequest, error) {
	args := m.Called(ctx, cmd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fiscal.DownloadRequest), args.Error(1)
}

func (m *MockAcquirer) PollRequest(ctx context.Context, id uuid.UUID) (*fiscal.DownloadRequest, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fiscal.DownloadRequest), args.Error(1)
}

func (m *MockAcquirer) PollPending(ctx context.Context) (acquisition.PollSummary, error) {
	args := m.Called(ctx)
	return args.Get(0).(acquisition.PollSummary), args.Error(1)
}

func (m *MockAcquirer) Request(ctx context.Context, id uuid.UUID) (*fiscal.DownloadRequest, []*fiscal.DownloadPackage, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*fiscal.DownloadRequest), args.Get(1).([]*fiscal.DownloadPackage), args.Error(2)
}

type MockRequestLister struct {
	mock.Mock
}

func (m *MockRequestLister) ListByTenant(ctx context.Context, tenantID uuid.UUID, filter shared.Filter) (shared.Paginated[*fiscal.DownloadRequest], error) {
	args := m.Called(ctx, tenantID, filter)
	return args.Get(0).(shared.Paginated[*fiscal.DownloadRequest]), args.Error(1)
}

type MockReconciler struct {
	mock.Mock
}

func (m *MockReconciler) ReconcileBatch(ctx context.Context, tenantID, requestID uuid.UUID) (reconciliation.BatchSummary, error) {
	args := m.Called(ctx, tenantID, requestID)
	return args.Get(0).(reconciliation.BatchSummary), args.Error(1)
}

func (m *MockReconciler) Reconcile(ctx context.Context, tenantID uuid.UUID, documentUUID string) (reconciliation.Result, error) {
	args := m.Called(ctx, tenantID, documentUUID)
	return args.Get(0).(reconciliation.Result), args.Error(1)
}

type MockDocumentReader struct {
	mock.Mock
}

func (m *MockDocumentReader) List(ctx context.Context, tenantID uuid.UUID, filter shared.Filter) (shared.Paginated[*fiscal.FiscalDocument], error) {
	args := m.Called(ctx, tenantID, filter)
	return args.Get(0).(shared.Paginated[*fiscal.FiscalDocument]), args.Error(1)
}

func (m *MockDocumentReader) FindByUUID(ctx context.Context, tenantID uuid.UUID, documentUUID string) (*fiscal.FiscalDocument, error) {
	args := m.Called(ctx, tenantID, documentUUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fiscal.FiscalDocument), args.Error(1)
}

func (m *MockDocumentReader) ListStatusChecks(ctx context.Context, documentID uuid.UUID) ([]*fiscal.StatusCheck, error) {
	args := m.Called(ctx, documentID)
	return args.Get(0).([]*fiscal.StatusCheck), args.Error(1)
}

type MockStatusChecker struct {
	mock.Mock
}

func (m *MockStatusChecker) CheckDocument(ctx context.Context, tenantID uuid.UUID, documentUUID, actor string) (*revalidation.CheckResult, error) {
	args := m.Called(ctx, tenantID, documentUUID, actor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*revalidation.CheckResult), args.Error(1)
}

func (m *MockStatusChecker) RequestCancellation(ctx context.Context, tenantID uuid.UUID, documentUUID, actor, reason string) (*revalidation.CheckResult, error) {
	args := m.Called(ctx, tenantID, documentUUID, actor, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*revalidation.CheckResult), args.Error(1)
}

type MockCredentialManager struct {
	mock.Mock
}

func (m *MockCredentialManager) Upload(ctx context.Context, cmd credential.UploadCommand) (*fiscal.SigningCredential, error) {
	args := m.Called(ctx, cmd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fiscal.SigningCredential), args.Error(1)
}

func (m *MockCredentialManager) List(ctx context.Context, tenantID uuid.UUID) ([]*fiscal.SigningCredential, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).([]*fiscal.SigningCredential), args.Error(1)
}

type MockBlacklist struct {
	mock.Mock
}

func (m *MockBlacklist) Lookup(ctx context.Context, rfc string) (*sat.BlacklistResult, error) {
	args := m.Called(ctx, rfc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sat.BlacklistResult), args.Error(1)
}

// memorySettings is a SyncSettingsStore that validates like the real one.
type memorySettings struct {
	stored map[uuid.UUID]*fiscal.SyncSettings
}

func (s *memorySettings) Get(_ context.Context, tenantID uuid.UUID) (*fiscal.SyncSettings, error) {
	if v, ok := s.stored[tenantID]; ok {
		cp := *v
		return &cp, nil
	}
	return fiscal.DefaultSyncSettings(tenantID), nil
}

func (s *memorySettings) Save(_ context.Context, v *fiscal.SyncSettings) error {
	if err := v.Validate(); err != nil {
		return err
	}
	cp := *v
	s.stored[v.TenantID] = &cp
	return nil
}

// serve runs one request through a bare engine with the request id
// middleware and the given route.
func serve(method, route string, h gin.HandlerFunc, target string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	engine := gin.New()
	engine.Use(middleware.RequestID())
	engine.Handle(method, route, h)

	req := httptest.NewRequest(method, target, body)
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

// decode unmarshals the envelope and, when data is non-nil, its data field.
func decode(t *testing.T, w *httptest.ResponseRecorder, data any) dto.Response {
	t.Helper()
	var envelope struct {
		dto.Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope), w.Body.String())
	if data != nil {
		require.NoError(t, json.Unmarshal(envelope.Data, data), w.Body.String())
	}
	return envelope.Response
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	resp := decode(t, w, nil)
	require.NotNil(t, resp.Error, w.Body.String())
	return resp.Error.Code
}
