package policy

import "fmt"

// ErrInvalidAcl marks one ACL as rejected during a reload because it
// references an unknown ip group; the reload still succeeds for the
// remaining valid ACLs. No ACL is rejected individually for its atom
// fan-out; table size is only checked for the whole reload
// (ErrMemoryExceeded).
type ErrInvalidAcl struct {
	AclId  uint32
	Reason string
}

func (e *ErrInvalidAcl) Error() string {
	return fmt.Sprintf("invalid acl %d: %s", e.AclId, e.Reason)
}

// ErrMemoryExceeded means the projected first-path table size exceeds
// the configured budget; the reload fails atomically and the previous
// generation remains in service.
type ErrMemoryExceeded struct {
	Projected int
	Budget    int
}

func (e *ErrMemoryExceeded) Error() string {
	return fmt.Sprintf("first-path table would hold %d entries, over budget %d", e.Projected, e.Budget)
}

// ErrUnsupportedFamily means a forward/backward matched-field family
// mismatch occurred, which should be impossible by construction.
type ErrUnsupportedFamily struct{}

func (e *ErrUnsupportedFamily) Error() string {
	return "lookup key matched-field family mismatch"
}
