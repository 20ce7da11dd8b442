package bridge

import "fmt"

// ValidatorSet is an ordered, immutable set of authorities with a proof threshold.
type ValidatorSet struct {
	Validators     []AuthorityID // Validators are ordered and unique
	ID             uint64        // ID increases with every rotation
	ProofThreshold uint32        // ProofThreshold is the 'm' in m-of-n

	index map[AuthorityID]int // index maps authority to position
}

// NewValidatorSet builds a set, rejecting duplicate authorities.
func NewValidatorSet(id uint64, threshold uint32, validators []AuthorityID) (*ValidatorSet, error) {
	index := make(map[AuthorityID]int, len(validators))

	for i, v := range validators {
		if _, dup := index[v]; dup {
			return nil, fmt.Errorf("duplicate authority %s", v.Short())
		}
		index[v] = i
	}

	owned := make([]AuthorityID, len(validators))
	copy(owned, validators)

	return &ValidatorSet{
		Validators:     owned,
		ID:             id,
		ProofThreshold: threshold,
		index:          index,
	}, nil
}

// EmptyValidatorSet returns a set with no members and id 0.
func EmptyValidatorSet() *ValidatorSet {
	return &ValidatorSet{index: map[AuthorityID]int{}}
}

// Len returns the number of validators.
func (vs *ValidatorSet) Len() int {
	return len(vs.Validators)
}

// IsEmpty reports whether the set has no members.
func (vs *ValidatorSet) IsEmpty() bool {
	return len(vs.Validators) == 0
}

// AuthorityIndex returns the position of id, or -1 if absent.
func (vs *ValidatorSet) AuthorityIndex(id AuthorityID) int {
	if i, ok := vs.index[id]; ok {
		return i
	}

	return -1
}

// Contains reports whether id is a member.
func (vs *ValidatorSet) Contains(id AuthorityID) bool {
	_, ok := vs.index[id]
	return ok
}

// At returns the authority at index i.
func (vs *ValidatorSet) At(i int) (AuthorityID, bool) {
	if i < 0 || i >= len(vs.Validators) {
		return AuthorityID{}, false
	}

	return vs.Validators[i], true
}
