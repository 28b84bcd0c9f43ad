// Package subprocess defines the shared-memory hand-off contract between a
// worker process and its solver subprocess (spec §6), as Go types with no
// working shared-memory syscalls behind them. This is deliberately a
// contract, not an implementation: spec §1 lists shared-memory hand-off as
// external and out of scope for this core.
package subprocess

import "errors"

// ErrNotImplemented is returned by every Handoff operation on NullHandoff,
// documenting the boundary between this core and the external subprocess
// contract without pretending to cross it.
var ErrNotImplemented = errors.New("subprocess: shared-memory hand-off is not implemented in this core")

// ManagementBlock mirrors the shared-memory "management block" of spec §6:
// do* flags are written by the parent, did* flags are written by the
// child, plus the metadata both sides read.
type ManagementBlock struct {
	DoBegin              bool
	DoTerminate          bool
	DoExport             bool
	DoFilterImport       bool
	DoDigestImport       bool
	DoDigestImportWithFilter bool
	DoReturnClauses      bool
	DoDumpStats          bool
	DoStartNextRevision  bool
	DoCrash              bool
	DoReduceThreadCount  bool

	DidStart      bool
	DidTerminate  bool
	DidExport     bool
	DidFilterImport bool
	DidDigestImport bool
	DidReturnClauses bool
	DidDumpStats  bool
	DidCrash      bool

	FormulaSize    int64
	AssumptionSize int64
	Checksum       uint64
	ResultCode     int32
	Revision       int32
	WinningInstance int32
}

// Pipes names the two named pipes a subprocess hand-off uses to move
// bulk data the management block is too small for: one parent-to-child,
// one child-to-parent, both framed as a length-prefixed sequence of int32
// (the same framing pkg/wire.IntVec uses on the network).
type Pipes struct {
	ParentToChildPath string
	ChildToParentPath string
}

// Handoff is the interface a real shared-memory implementation would
// satisfy. This core ships only NullHandoff.
type Handoff interface {
	Attach(shmemID string, block *ManagementBlock, pipes Pipes) error
	Signal(block *ManagementBlock) error
	Detach() error
}

// NullHandoff implements Handoff by refusing every operation, so a caller
// that reaches for real subprocess hand-off fails loudly instead of
// silently doing nothing.
type NullHandoff struct{}

func (NullHandoff) Attach(shmemID string, block *ManagementBlock, pipes Pipes) error {
	return ErrNotImplemented
}

func (NullHandoff) Signal(block *ManagementBlock) error {
	return ErrNotImplemented
}

func (NullHandoff) Detach() error {
	return ErrNotImplemented
}
