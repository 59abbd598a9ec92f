package sat

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/youmark/pkcs8"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const testPassword = "12345678a"

type testCredential struct {
	cer      []byte
	key      []byte
	priv     *rsa.PrivateKey
	material *CredentialMaterial
}

// newTestCredential issues a self-signed FIEL-like certificate whose serial
// packs ASCII digits the way the authority does.
func newTestCredential(t *testing.T, notBefore, notAfter time.Time) *testCredential {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	serial := new(big.Int).SetBytes([]byte("00001000000509846663"))
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "EMPRESA DEMO SA DE CV",
			Organization: []string{"EMPRESA DEMO SA DE CV"},
			ExtraNames:   []pkix.AttributeTypeAndValue{{Type: oidUniqueIdentifier, Value: "AAA010101AAA / XAXX010101HDFRRN09"}},
		},
		NotBefore: notBefore,
		NotAfter:  notAfter,
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}
	cer, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	key, err := pkcs8.MarshalPrivateKey(priv, []byte(testPassword), nil)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(cer)
	require.NoError(t, err)
	return &testCredential{
		cer:      cer,
		key:      key,
		priv:     priv,
		material: &CredentialMaterial{Certificate: cert, PrivateKey: priv},
	}
}

var (
	sharedCredentialOnce sync.Once
	sharedCredential     *testCredential
)

// validTestCredential returns a credential valid at testNow. Key generation
// is slow, so one pair is shared by the package's tests.
func validTestCredential(t *testing.T) *testCredential {
	sharedCredentialOnce.Do(func() {
		sharedCredential = newTestCredential(t, testNow.AddDate(-1, 0, 0), testNow.AddDate(3, 0, 0))
	})
	require.NotNil(t, sharedCredential)
	return sharedCredential
}
