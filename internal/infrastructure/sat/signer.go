package sat

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// XML namespaces of the authority's SOAP services.
const (
	NamespaceSOAP    = "http://schemas.xmlsoap.org/soap/envelope/"
	NamespaceUtility = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	NamespaceSecExt  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	NamespaceDSig    = "http://www.w3.org/2000/09/xmldsig#"
)

// Algorithm identifiers written into SignedInfo.
const (
	AlgorithmExcC14N   = "http://www.w3.org/2001/10/xml-exc-c14n#"
	AlgorithmRSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgorithmSHA256    = "http://www.w3.org/2001/04/xmlenc#sha256"
)

const (
	timestampLayout = "2006-01-02T15:04:05.000Z"
	timestampWindow = 5 * time.Minute

	timestampID = "_0"
	bodyID      = "_1"
)

// Signer wraps SOAP bodies in a WS-Security envelope signed with a FIEL key
// pair. It holds no network state and never retries.
type Signer struct {
	material *CredentialMaterial
	canon    dsig.Canonicalizer
	now      func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithSignerClock overrides the clock used for the security timestamp.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// NewSigner creates a signer for material.
func NewSigner(material *CredentialMaterial, opts ...SignerOption) (*Signer, error) {
	if material == nil || material.Certificate == nil || material.PrivateKey == nil {
		return nil, errors.New("sat: signer requires a certificate and a private key")
	}
	s := &Signer{
		material: material,
		canon:    dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList(""),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Material returns the key pair the signer uses.
func (s *Signer) Material() *CredentialMaterial {
	return s.material
}

// SignEnvelope builds
//
//	s:Envelope
//	  s:Header/o:Security
//	    u:Timestamp u:Id="_0" (Created, Expires = Created + 5m)
//	    ds:Signature
//	  s:Body u:Id="_1"
//	    body
//
// The timestamp and the body are digested independently after exclusive
// canonicalization; SignedInfo is canonicalized the same way and signed with
// RSA PKCS#1 v1.5 over SHA-256. body is copied, the caller keeps ownership.
// A certificate that expired after the signer was built yields
// fiscal.ErrCredential.
func (s *Signer) SignEnvelope(body *etree.Element) ([]byte, error) {
	created := s.now().UTC()
	if err := checkValidity(s.material.Certificate, created); err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	envelope := doc.CreateElement("s:Envelope")
	envelope.CreateAttr("xmlns:s", NamespaceSOAP)
	envelope.CreateAttr("xmlns:u", NamespaceUtility)

	header := envelope.CreateElement("s:Header")
	security := header.CreateElement("o:Security")
	security.CreateAttr("s:mustUnderstand", "1")
	security.CreateAttr("xmlns:o", NamespaceSecExt)

	timestamp := security.CreateElement("u:Timestamp")
	timestamp.CreateAttr("u:Id", timestampID)
	timestamp.CreateElement("u:Created").SetText(created.Format(timestampLayout))
	timestamp.CreateElement("u:Expires").SetText(created.Add(timestampWindow).Format(timestampLayout))

	soapBody := envelope.CreateElement("s:Body")
	soapBody.CreateAttr("u:Id", bodyID)
	if body != nil {
		soapBody.AddChild(body.Copy())
	}

	timestampDigest, err := s.digest(timestamp)
	if err != nil {
		return nil, fmt.Errorf("sat: digest timestamp: %w", err)
	}
	bodyDigest, err := s.digest(soapBody)
	if err != nil {
		return nil, fmt.Errorf("sat: digest body: %w", err)
	}

	signature := security.CreateElement("ds:Signature")
	signature.CreateAttr("xmlns:ds", NamespaceDSig)

	signedInfo := signature.CreateElement("ds:SignedInfo")
	signedInfo.CreateElement("ds:CanonicalizationMethod").CreateAttr("Algorithm", AlgorithmExcC14N)
	signedInfo.CreateElement("ds:SignatureMethod").CreateAttr("Algorithm", AlgorithmRSASHA256)
	addReference(signedInfo, timestampID, timestampDigest)
	addReference(signedInfo, bodyID, bodyDigest)

	canonicalSignedInfo, err := s.canonicalize(signedInfo)
	if err != nil {
		return nil, fmt.Errorf("sat: canonicalize signed info: %w", err)
	}
	hashed := sha256.Sum256(canonicalSignedInfo)
	value, err := rsa.SignPKCS1v15(rand.Reader, s.material.PrivateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return nil, fmt.Errorf("sat: sign: %w", err)
	}
	signature.CreateElement("ds:SignatureValue").SetText(base64.StdEncoding.EncodeToString(value))

	keyInfo := signature.CreateElement("ds:KeyInfo")
	issuerSerial := keyInfo.
		CreateElement("o:SecurityTokenReference").
		CreateElement("o:X509Data").
		CreateElement("o:X509IssuerSerial")
	issuerSerial.CreateElement("o:X509IssuerName").SetText(s.material.IssuerName())
	issuerSerial.CreateElement("o:X509SerialNumber").SetText(s.material.Certificate.SerialNumber.String())

	return doc.WriteToBytes()
}

func addReference(signedInfo *etree.Element, id, digest string) {
	ref := signedInfo.CreateElement("ds:Reference")
	ref.CreateAttr("URI", "#"+id)
	ref.CreateElement("ds:Transforms").CreateElement("ds:Transform").CreateAttr("Algorithm", AlgorithmExcC14N)
	ref.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", AlgorithmSHA256)
	ref.CreateElement("ds:DigestValue").SetText(digest)
}

// digest returns base64(SHA-256(exc-c14n(el))).
func (s *Signer) digest(el *etree.Element) (string, error) {
	canonical, err := s.canonicalize(el)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// canonicalize runs exclusive C14N on a detached copy of el that carries
// the namespace declarations el inherits from its ancestors. The
// canonicalizer drops the ones el does not visibly use.
func (s *Signer) canonicalize(el *etree.Element) ([]byte, error) {
	detached := el.Copy()
	declared := make(map[string]bool)
	for _, a := range detached.Attr {
		if isNamespaceDecl(a) {
			declared[a.FullKey()] = true
		}
	}
	for p := el.Parent(); p != nil; p = p.Parent() {
		for _, a := range p.Attr {
			if !isNamespaceDecl(a) || declared[a.FullKey()] {
				continue
			}
			declared[a.FullKey()] = true
			detached.CreateAttr(a.FullKey(), a.Value)
		}
	}
	return s.canon.Canonicalize(detached)
}

func isNamespaceDecl(a etree.Attr) bool {
	return a.Space == "xmlns" || (a.Space == "" && a.Key == "xmlns")
}
