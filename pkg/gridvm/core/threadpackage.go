package core

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/ulikunitz/xz/lzma"

	"github.com/jabolina/gridvm/pkg/gridvm/types"
)

// PendingMessage is one queued, not-yet-delivered inter-thread message
// carried along during a migration (spec §5 "pack thread state + code +
// pending messages").
type PendingMessage struct {
	From  types.ThreadUID
	To    types.ThreadUID
	Value interface{}
}

// ThreadPackage is the self-contained unit shipped between runtimes during a
// thread migration: code, interpreter state, and anything still sitting in
// its inboxes.
type ThreadPackage struct {
	OriginRuntimeID types.RuntimeID // the runtime that first loaded this thread; constant across migrations (spec §4.5 "origin runtime")
	FromRuntimeID   types.RuntimeID // the runtime this particular migration hop came from
	ProgramID       types.ProgramID
	ThreadID        types.ThreadID
	Code            *types.CodeObject
	State           types.InterpreterState
	Pending         []PendingMessage
}

type threadPackageBody struct {
	OriginRuntimeID types.RuntimeID
	FromRuntimeID   types.RuntimeID
	ProgramID       types.ProgramID
	ThreadID        types.ThreadID
	Instructions    []types.Operation
	Consts          []interface{}
	VarNames        []string
	ArrayNames      []string
	Labels          []int
	LabelNames      map[int]string
	State           types.InterpreterState
	Pending         []PendingMessage
}

// Pack serializes a ThreadPackage with gob, then LZMA-compresses it: the
// same framing the .ssc code object format uses (spec §6), reused here so a
// migrated thread's code travels in a format the destination already knows
// how to read back.
func Pack(pkg *ThreadPackage) ([]byte, error) {
	body := threadPackageBody{
		OriginRuntimeID: pkg.OriginRuntimeID,
		FromRuntimeID:   pkg.FromRuntimeID,
		ProgramID:       pkg.ProgramID,
		ThreadID:        pkg.ThreadID,
		State:           pkg.State,
		Pending:         pkg.Pending,
	}
	if pkg.Code != nil {
		body.Instructions = pkg.Code.Instructions
		body.Consts = pkg.Code.Consts
		body.VarNames = pkg.Code.VarNames
		body.ArrayNames = pkg.Code.ArrayNames
		body.Labels = pkg.Code.Labels
		body.LabelNames = pkg.Code.LabelNames
	}

	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(body); err != nil {
		return nil, fmt.Errorf("gridvm/core: encode thread package: %w", err)
	}

	var out bytes.Buffer
	w, err := lzma.NewWriter(&out)
	if err != nil {
		return nil, fmt.Errorf("gridvm/core: create lzma writer: %w", err)
	}
	if _, err := w.Write(raw.Bytes()); err != nil {
		return nil, fmt.Errorf("gridvm/core: lzma compress thread package: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gridvm/core: close lzma writer: %w", err)
	}
	return out.Bytes(), nil
}

// Unpack is the inverse of Pack.
func Unpack(buf []byte) (*ThreadPackage, error) {
	r, err := lzma.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("gridvm/core: create lzma reader: %w", err)
	}

	var body threadPackageBody
	if err := gob.NewDecoder(r).Decode(&body); err != nil {
		return nil, fmt.Errorf("gridvm/core: decode thread package: %w", err)
	}

	return &ThreadPackage{
		OriginRuntimeID: body.OriginRuntimeID,
		FromRuntimeID:   body.FromRuntimeID,
		ProgramID:       body.ProgramID,
		ThreadID:        body.ThreadID,
		Code: &types.CodeObject{
			Instructions: body.Instructions,
			Consts:       body.Consts,
			VarNames:     body.VarNames,
			ArrayNames:   body.ArrayNames,
			Labels:       body.Labels,
			LabelNames:   body.LabelNames,
		},
		State:   body.State,
		Pending: body.Pending,
	}, nil
}
