package physical

// PBNLock is an ownership token for a specific PBN held by an in-flight
// write (spec §4.5). It is not itself persistent; it exists only to
// disambiguate, in memory, the two meanings the on-disk byte 254 carries:
// a confirmed MAXIMUM count (block-map tree pages) versus a PROVISIONAL
// count awaiting durability (spec §9, "provisional reference as a magic
// count value").
type PBNLock struct {
	pbn                     uint64
	hasProvisionalReference bool
}

// NewPBNLock returns an unassigned lock for the given PBN.
func NewPBNLock(pbn uint64) *PBNLock {
	return &PBNLock{pbn: pbn}
}

// PBN returns the physical block number this lock owns.
func (l *PBNLock) PBN() uint64 {
	return l.pbn
}

// HasProvisionalReference reports whether this lock currently owns a
// PROVISIONAL reference (spec §4.5, I5).
func (l *PBNLock) HasProvisionalReference() bool {
	return l != nil && l.hasProvisionalReference
}

// AssignProvisionalReference marks this lock as the holder of a
// PROVISIONAL reference. Called by ReferenceCounts when a counter
// transitions into PROVISIONAL under this lock.
func (l *PBNLock) AssignProvisionalReference() {
	l.hasProvisionalReference = true
}

// UnassignProvisionalReference clears the provisional-holder flag.
// Called when the counter leaves PROVISIONAL, either by confirming
// (BLOCK_MAP_INCREMENT) or by reverting to FREE.
func (l *PBNLock) UnassignProvisionalReference() {
	l.hasProvisionalReference = false
}
