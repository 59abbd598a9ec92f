package sat

import (
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/youmark/pkcs8"
)

// oidUniqueIdentifier carries "RFC / CURP" in authority-issued certificates.
var oidUniqueIdentifier = asn1.ObjectIdentifier{2, 5, 4, 45}

// CredentialMaterial is a decrypted key pair ready for signing. It is never
// persisted.
type CredentialMaterial struct {
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
}

// SerialNumber returns the certificate serial as the authority prints it.
// Authority serials are ASCII digits packed into the big integer.
func (m *CredentialMaterial) SerialNumber() string {
	raw := m.Certificate.SerialNumber.Bytes()
	for _, b := range raw {
		if b < '0' || b > '9' {
			return m.Certificate.SerialNumber.String()
		}
	}
	return string(raw)
}

// RFC returns the taxpayer id embedded in the certificate subject, or "".
func (m *CredentialMaterial) RFC() string {
	return subjectRFC(m.Certificate.Subject)
}

// IssuerName returns the issuer distinguished name in RFC 4514 form.
func (m *CredentialMaterial) IssuerName() string {
	return m.Certificate.Issuer.String()
}

// LoadCredentialMaterial parses a DER certificate and an encrypted PKCS#8 DER
// key. A wrong password, a key that does not match the certificate or a
// certificate outside its validity window at now yields fiscal.ErrCredential.
func LoadCredentialMaterial(cer, key []byte, password string, now time.Time) (*CredentialMaterial, error) {
	cert, err := ParseCertificate(cer)
	if err != nil {
		return nil, err
	}
	if err := checkValidity(cert, now); err != nil {
		return nil, err
	}

	parsed, err := pkcs8.ParsePKCS8PrivateKey(key, []byte(password))
	if err != nil {
		return nil, fiscal.NewCredentialError(fmt.Sprintf("cannot open private key: %v", err))
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fiscal.NewCredentialError(fmt.Sprintf("unsupported private key type %T", parsed))
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&priv.PublicKey) {
		return nil, fiscal.NewCredentialError("private key does not match certificate")
	}
	return &CredentialMaterial{Certificate: cert, PrivateKey: priv}, nil
}

// ParseCertificate parses a DER certificate as distributed by the authority.
// PEM input is accepted as well.
func ParseCertificate(cer []byte) (*x509.Certificate, error) {
	der := cer
	if block, _ := pem.Decode(cer); block != nil {
		der = block.Bytes
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fiscal.NewCredentialError(fmt.Sprintf("invalid certificate: %v", err))
	}
	return cert, nil
}

func subjectRFC(name pkix.Name) string {
	for _, atv := range name.Names {
		if !atv.Type.Equal(oidUniqueIdentifier) {
			continue
		}
		v, ok := atv.Value.(string)
		if !ok {
			continue
		}
		rfc, _, _ := strings.Cut(v, "/")
		return strings.ToUpper(strings.TrimSpace(rfc))
	}
	return ""
}

// checkValidity returns fiscal.ErrCredential when now falls outside the
// certificate's validity window.
func checkValidity(cert *x509.Certificate, now time.Time) error {
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fiscal.NewCredentialError(fmt.Sprintf(
			"certificate %s is outside its validity window (%s to %s)",
			cert.SerialNumber, cert.NotBefore.UTC().Format(time.RFC3339), cert.NotAfter.UTC().Format(time.RFC3339)))
	}
	return nil
}
