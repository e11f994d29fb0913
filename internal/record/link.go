package record

// PhysicalLink is an owned reference from one record to another earlier
// physical record (a previous-physical-record pointer, a checkpoint
// back-link, a transaction parent link, ...). spec.md's design notes forbid
// cyclic owning references, so links only ever point backward in Psn order.
//
// Record may be nil even when Psn is valid: that happens when the target
// record has been truncated out of the in-memory window but its Psn is
// still known from the serialized link. Callers that need the target must
// re-resolve it through the logical log by Psn; a nil Record is not itself
// an error.
type PhysicalLink struct {
	Psn    PhysicalSequenceNumber
	Record LogRecord
}

// InvalidPhysicalLink is the sentinel "no link" value.
var InvalidPhysicalLink = PhysicalLink{Psn: InvalidPsn}

// IsInvalid reports whether the link points nowhere.
func (l PhysicalLink) IsInvalid() bool {
	return l.Psn == InvalidPsn
}

// LinkTo builds a PhysicalLink from a resident record.
func LinkTo(r LogRecord) PhysicalLink {
	if r == nil {
		return InvalidPhysicalLink
	}
	return PhysicalLink{Psn: r.GetPsn(), Record: r}
}
