package network

import (
	"errors"
	"fmt"
)

// Sentinel errors returned (wrapped) by Build and LoadTopology.
var (
	ErrBuild           = errors.New("network build failed")
	ErrOrphanNode      = errors.New("orphan node")
	ErrDuplicateNode   = errors.New("duplicate node id")
	ErrUnknownNode     = errors.New("unknown node")
	ErrDuplicateEdge   = errors.New("duplicate edge")
	ErrSelfLoop        = errors.New("edge connects a node to itself")
	ErrEdgeTag         = errors.New("invalid edge tag")
	ErrJunction        = errors.New("invalid junction")
	ErrReturnPair      = errors.New("invalid return pair")
	ErrMissingBound    = errors.New("required bound missing")
	ErrInvalidBound    = errors.New("invalid bound")
	ErrCycle           = errors.New("network contains a cycle")
	ErrInvalidNode     = errors.New("invalid node")
	ErrInvalidTopology = errors.New("invalid topology")
)

// BuildError describes why a topology could not be turned into a Model.
type BuildError struct {
	Op     string // Check that failed (e.g., "validate", "edge", "junction")
	NodeID string // Offending node, if any
	From   string // Offending edge endpoints, if any
	To     string
	Cause  error
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	switch {
	case e.From != "" || e.To != "":
		return fmt.Sprintf("build %s edge %s->%s: %v", e.Op, e.From, e.To, e.Cause)
	case e.NodeID != "":
		return fmt.Sprintf("build %s node %s: %v", e.Op, e.NodeID, e.Cause)
	default:
		return fmt.Sprintf("build %s: %v", e.Op, e.Cause)
	}
}

// Unwrap returns the underlying cause for error chain support.
func (e *BuildError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrBuild or matches the cause.
func (e *BuildError) Is(target error) bool {
	if target == ErrBuild {
		return true
	}
	return errors.Is(e.Cause, target)
}

// OrphanNodeError reports a node missing a required predecessor or successor
// that is not covered by the allow-list.
type OrphanNodeError struct {
	NodeID  string
	Kind    Kind
	Missing string // "predecessor" or "successor"
}

func (e *OrphanNodeError) Error() string {
	return fmt.Sprintf("orphan node %s (%s): no %s", e.NodeID, e.Kind, e.Missing)
}

// Is matches both ErrOrphanNode and ErrBuild.
func (e *OrphanNodeError) Is(target error) bool {
	return target == ErrOrphanNode || target == ErrBuild
}

func nodeError(op, id string, cause error) error {
	return &BuildError{Op: op, NodeID: id, Cause: cause}
}

func edgeError(op, from, to string, cause error) error {
	return &BuildError{Op: op, From: from, To: to, Cause: cause}
}
