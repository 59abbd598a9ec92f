package fiscal

// RequestState is the authority-side state of a bulk request, normalized
// from the authority's numeric or symbolic encodings.
type RequestState string

const (
	RequestAccepted   RequestState = "accepted"
	RequestInProgress RequestState = "in_progress"
	RequestReady      RequestState = "ready"
	RequestError      RequestState = "error"
	RequestRejected   RequestState = "rejected"
	RequestExpired    RequestState = "expired"
)

func (s RequestState) rank() int {
	switch s {
	case RequestAccepted:
		return 1
	case RequestInProgress:
		return 2
	case RequestReady, RequestError, RequestRejected, RequestExpired:
		return 3
	}
	return 0
}

// IsValid returns true if the state is known
func (s RequestState) IsValid() bool {
	return s.rank() > 0
}

// IsTerminal returns true once the authority will not change its answer.
func (s RequestState) IsTerminal() bool {
	return s.rank() == 3
}

// IsFailure returns true for terminal states that carry no packages.
func (s RequestState) IsFailure() bool {
	return s == RequestError || s == RequestRejected || s == RequestExpired
}

// CanAdvanceTo reports whether the authority may report next after s.
// States only move forward: accepted, in_progress, then one terminal state.
// Repeating the same state is allowed.
func (s RequestState) CanAdvanceTo(next RequestState) bool {
	if !next.IsValid() {
		return false
	}
	if s == "" || s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}
