package fiscal

// ---------------------------------------------------------------------------
// Direction
// ---------------------------------------------------------------------------

// Direction says whose documents a bulk request retrieves, relative to the tenant.
type Direction string

const (
	DirectionIssued   Direction = "issued"
	DirectionReceived Direction = "received"
)

// IsValid returns true if the direction is known
func (d Direction) IsValid() bool {
	return d == DirectionIssued || d == DirectionReceived
}

// Directions lists both directions, issued first.
func Directions() []Direction {
	return []Direction{DirectionIssued, DirectionReceived}
}

// ---------------------------------------------------------------------------
// Authority status
// ---------------------------------------------------------------------------

// AuthorityStatus is the authority's current verdict on a document.
type AuthorityStatus string

const (
	AuthorityStatusValid     AuthorityStatus = "valid"
	AuthorityStatusCancelled AuthorityStatus = "cancelled"
	AuthorityStatusNotFound  AuthorityStatus = "not_found"
)

// IsValid returns true if the status is known
func (s AuthorityStatus) IsValid() bool {
	switch s {
	case AuthorityStatusValid, AuthorityStatusCancelled, AuthorityStatusNotFound:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// LifecycleState is the local workflow state of a document, independent of
// the authority status axis.
type LifecycleState string

const (
	LifecycleDraft           LifecycleState = "draft"
	LifecycleSent            LifecycleState = "sent"
	LifecycleCancelRequested LifecycleState = "cancel_requested"
	LifecycleCancelled       LifecycleState = "cancelled"
	LifecycleReceived        LifecycleState = "received"
	LifecycleGlobalSent      LifecycleState = "global_sent"
	LifecycleGlobalCancelled LifecycleState = "global_cancelled"
)

var lifecycleTransitions = map[LifecycleState][]LifecycleState{
	LifecycleDraft:           {LifecycleSent, LifecycleGlobalSent, LifecycleCancelled},
	LifecycleSent:            {LifecycleCancelRequested, LifecycleCancelled},
	LifecycleCancelRequested: {LifecycleSent, LifecycleCancelled},
	LifecycleReceived:        {LifecycleCancelled},
	LifecycleGlobalSent:      {LifecycleGlobalCancelled},
}

// IsValid returns true if the state is known
func (s LifecycleState) IsValid() bool {
	switch s {
	case LifecycleDraft, LifecycleSent, LifecycleCancelRequested, LifecycleCancelled,
		LifecycleReceived, LifecycleGlobalSent, LifecycleGlobalCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s LifecycleState) CanTransitionTo(next LifecycleState) bool {
	for _, allowed := range lifecycleTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for states no further transition leaves.
func (s LifecycleState) IsTerminal() bool {
	return len(lifecycleTransitions[s]) == 0
}

// ---------------------------------------------------------------------------
// Check source
// ---------------------------------------------------------------------------

// CancellationInProgress is the authority's cancellation status while the
// recipient has not answered a cancellation request.
const CancellationInProgress = "En proceso"

// CheckSource identifies what produced a StatusCheck.
type CheckSource string

const (
	CheckSourceUUIDCheck    CheckSource = "uuid_check"
	CheckSourceBulkDownload CheckSource = "mass_download"
	CheckSourceManual       CheckSource = "manual"
	CheckSourceWebhook      CheckSource = "webhook"
)

// IsValid returns true if the source is known
func (s CheckSource) IsValid() bool {
	switch s {
	case CheckSourceUUIDCheck, CheckSourceBulkDownload, CheckSourceManual, CheckSourceWebhook:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Document attributes
// ---------------------------------------------------------------------------

// DocumentKind is the TipoDeComprobante of a document.
type DocumentKind string

const (
	KindIncome   DocumentKind = "I"
	KindExpense  DocumentKind = "E"
	KindPayment  DocumentKind = "P"
	KindTransfer DocumentKind = "T"
	KindPayroll  DocumentKind = "N"
)

// IsValid returns true if the kind is known
func (k DocumentKind) IsValid() bool {
	switch k {
	case KindIncome, KindExpense, KindPayment, KindTransfer, KindPayroll:
		return true
	}
	return false
}

// PaymentMethod is the MetodoPago of a document.
type PaymentMethod string

const (
	// PaymentSingle is "pago en una sola exhibición".
	PaymentSingle PaymentMethod = "PUE"
	// PaymentDeferred is "pago en parcialidades o diferido".
	PaymentDeferred PaymentMethod = "PPD"
)

// PaymentFormToBeDefined is the generic "por definir" payment form code.
const PaymentFormToBeDefined = "99"

// Provenance records how a document entered the system.
type Provenance string

const (
	ProvenanceAuthority   Provenance = "SAT"
	ProvenanceManual      Provenance = "Manual"
	ProvenanceCounterpart Provenance = "Counterpart"
)

// IsValid returns true if the provenance is known
func (p Provenance) IsValid() bool {
	return p == ProvenanceAuthority || p == ProvenanceManual || p == ProvenanceCounterpart
}

// TaxKind separates transferred taxes from withheld ones.
type TaxKind string

const (
	TaxTransferred TaxKind = "transferred"
	TaxWithheld    TaxKind = "withheld"
)
