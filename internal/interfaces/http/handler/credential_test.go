package handler

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cfdisync/backend/internal/application/credential"
	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/interfaces/http/dto"
)

func credentialForm(t *testing.T, fields map[string]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for name, data := range files {
		fw, err := mw.CreateFormFile(name, name+".bin")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestCredentialHandler_Upload(t *testing.T) {
	const route = "/tenants/:tenant_id/credentials"
	target := "/tenants/" + testTenant.String() + "/credentials"

	t.Run("uploads the pair", func(t *testing.T) {
		creds := new(MockCredentialManager)
		h := NewCredentialHandler(creds)
		stored, err := fiscal.NewSigningCredential(testTenant, fiscal.CredentialFIEL, "AAA010101AAA", "30001000000500003416",
			testDay, testDay.AddDate(4, 0, 0), testDay)
		require.NoError(t, err)
		stored.EncryptedPassword = "sealed"
		creds.On("Upload", mock.Anything, mock.MatchedBy(func(cmd credential.UploadCommand) bool {
			return cmd.TenantID == testTenant &&
				cmd.Kind == fiscal.CredentialFIEL &&
				string(cmd.Certificate) == "CER" &&
				string(cmd.Key) == "KEY" &&
				cmd.Password == "12345678a" &&
				cmd.UploadedBy == "ana"
		})).Return(stored, nil)

		body, contentType := credentialForm(t,
			map[string]string{"kind": "fiel", "password": "12345678a"},
			map[string][]byte{"certificate": []byte("CER"), "key": []byte("KEY")})
		w := serve(http.MethodPost, route, h.Upload, target, body,
			map[string]string{"Content-Type": contentType, ActorHeader: "ana"})

		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var got CredentialResponse
		decode(t, w, &got)
		assert.Equal(t, "FIEL", got.Kind)
		assert.Equal(t, "active", got.Status)
		assert.NotContains(t, w.Body.String(), "sealed")
		assert.NotContains(t, w.Body.String(), stored.KeyPath)
	})

	t.Run("missing key file", func(t *testing.T) {
		creds := new(MockCredentialManager)
		h := NewCredentialHandler(creds)
		body, contentType := credentialForm(t,
			map[string]string{"kind": "CSD", "password": "x"},
			map[string][]byte{"certificate": []byte("CER")})
		w := serve(http.MethodPost, route, h.Upload, target, body, map[string]string{"Content-Type": contentType})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decode(t, w, nil)
		assert.Equal(t, "key file is required", resp.Error.Message)
		creds.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything)
	})

	t.Run("oversize file", func(t *testing.T) {
		h := NewCredentialHandler(new(MockCredentialManager))
		body, contentType := credentialForm(t, nil, map[string][]byte{
			"certificate": bytes.Repeat([]byte("x"), maxCredentialFile+1),
			"key":         []byte("KEY"),
		})
		w := serve(http.MethodPost, route, h.Upload, target, body, map[string]string{"Content-Type": contentType})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("wrong password", func(t *testing.T) {
		creds := new(MockCredentialManager)
		h := NewCredentialHandler(creds)
		creds.On("Upload", mock.Anything, mock.Anything).
			Return(nil, fmt.Errorf("%w: the private key does not open with this password", fiscal.ErrCredential))
		body, contentType := credentialForm(t,
			map[string]string{"kind": "FIEL", "password": "bad"},
			map[string][]byte{"certificate": []byte("CER"), "key": []byte("KEY")})
		w := serve(http.MethodPost, route, h.Upload, target, body, map[string]string{"Content-Type": contentType})

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, dto.ErrCodeCredential, errorCode(t, w))
	})
}

func TestCredentialHandler_List(t *testing.T) {
	creds := new(MockCredentialManager)
	h := NewCredentialHandler(creds)
	old, err := fiscal.NewSigningCredential(testTenant, fiscal.CredentialCSD, "AAA010101AAA", "1",
		testDay, testDay.AddDate(1, 0, 0), testDay)
	require.NoError(t, err)
	old.Supersede(testDay.Add(48 * time.Hour))
	creds.On("List", mock.Anything, testTenant).Return([]*fiscal.SigningCredential{old}, nil)

	w := serve(http.MethodGet, "/tenants/:tenant_id/credentials", h.List, "/tenants/"+testTenant.String()+"/credentials", nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var got []CredentialResponse
	decode(t, w, &got)
	require.Len(t, got, 1)
	assert.Equal(t, "superseded", got[0].Status)
	require.NotNil(t, got[0].SupersededAt)
}
