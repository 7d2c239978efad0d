package ledgerwal

import "github.com/google/uuid"

// VoterID is the 16-byte cluster identity encoding used by the
// MetadataStore's voted-for field, per spec.md §6 ("Cluster
// identity"). The all-zero value encodes "no vote cast".
type VoterID [16]byte

// NewVoterID generates a fresh random voter identity.
func NewVoterID() VoterID {
	var id VoterID
	u := uuid.New()
	copy(id[:], u[:])
	return id
}

// ParseVoterID wraps an existing 16-byte identifier, typically a
// cluster-assigned node UUID, as a VoterID.
func ParseVoterID(b [16]byte) VoterID {
	return VoterID(b)
}

// IsNone reports whether the identity is the all-zero "no vote cast"
// sentinel.
func (v VoterID) IsNone() bool {
	return v == VoterID{}
}

// String renders the identity as a canonical UUID string, or "<none>"
// for the zero sentinel.
func (v VoterID) String() string {
	if v.IsNone() {
		return "<none>"
	}
	return uuid.UUID(v).String()
}
