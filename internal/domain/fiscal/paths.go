package fiscal

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// PackageArchivePath is where the raw archive of a package is stored.
func PackageArchivePath(tenantID, packageID uuid.UUID) string {
	return fmt.Sprintf("sat/packages/%s/%s.zip", tenantID, packageID)
}

// DocumentBlobPath is where one extracted document payload is stored.
// Directory components in the archive entry name are dropped.
func DocumentBlobPath(tenantID, packageID uuid.UUID, fileName string) string {
	return fmt.Sprintf("sat/cfdi/%s/%s/%s", tenantID, packageID, path.Base(fileName))
}

// ManualDocumentBlobPath is where a manually uploaded payload is stored.
func ManualDocumentBlobPath(tenantID uuid.UUID, documentUUID string) string {
	return fmt.Sprintf("sat/cfdi/%s/manual/%s.xml", tenantID, strings.ToUpper(documentUUID))
}

// CredentialBlobPath is where a credential file is stored; ext is cer or key.
func CredentialBlobPath(tenantID uuid.UUID, rfc string, kind CredentialKind, serial, ext string) string {
	return fmt.Sprintf("credentials/%s/%s/%s/%s.%s", tenantID, rfc, strings.ToLower(string(kind)), serial, ext)
}
