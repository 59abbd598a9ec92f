// Package sattest issues throwaway authority-style credentials for tests.
package sattest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/youmark/pkcs8"
)

// Password protects every key issued by NewCredential.
const Password = "12345678a"

// Credential is a DER certificate with its encrypted PKCS#8 DER key.
type Credential struct {
	Certificate []byte
	Key         []byte
	Serial      string
}

// NewCredential issues a self-signed certificate for rfc. serial must be
// ASCII digits, which is how the authority packs serial numbers.
func NewCredential(t testing.TB, rfc, serial string, notBefore, notAfter time.Time) *Credential {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: new(big.Int).SetBytes([]byte(serial)),
		Subject: pkix.Name{
			CommonName: "CONTRIBUYENTE DE PRUEBA",
			ExtraNames: []pkix.AttributeTypeAndValue{{
				Type:  asn1.ObjectIdentifier{2, 5, 4, 45},
				Value: rfc + " / XAXX010101HDFRRN09",
			}},
		},
		NotBefore: notBefore,
		NotAfter:  notAfter,
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}
	cer, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	key, err := pkcs8.MarshalPrivateKey(priv, []byte(Password), nil)
	require.NoError(t, err)
	return &Credential{Certificate: cer, Key: key, Serial: serial}
}
