package core_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/gridvm/pkg/gridvm/core"
	"github.com/jabolina/gridvm/pkg/gridvm/definition"
	"github.com/jabolina/gridvm/pkg/gridvm/types"
)

func retOnlyCode() *types.CodeObject {
	return &types.CodeObject{Instructions: []types.Operation{{OpCode: types.RET}}}
}

// rcvThenRetCode blocks on RCV from the given sender thread, then returns.
func rcvThenRetCode(from int) *types.CodeObject {
	return &types.CodeObject{
		Instructions: []types.Operation{
			{OpCode: types.LOAD_CONST, Arg: 0},
			{OpCode: types.RCV},
			{OpCode: types.RET},
		},
		Consts: []interface{}{int64(from)},
	}
}

// sendThenRetCode pushes dest, then value, sends, then returns.
func sendThenRetCode(dest int, value interface{}) *types.CodeObject {
	return &types.CodeObject{
		Instructions: []types.Operation{
			{OpCode: types.LOAD_CONST, Arg: 0},
			{OpCode: types.LOAD_CONST, Arg: 1},
			{OpCode: types.SND},
			{OpCode: types.RET},
		},
		Consts: []interface{}{int64(dest), value},
	}
}

func newTestRuntime(id types.RuntimeID) (*core.Runtime, *core.CommunicationBus) {
	logger := definition.NewDefaultLogger("test", nil)
	bus := core.NewCommunicationBus(id, logger)
	return core.NewRuntime(id, bus, logger, definition.DefaultConfig()), bus
}

func arrive(t *testing.T, rt *core.Runtime, origin types.RuntimeID, programID types.ProgramID, threadID types.ThreadID, code *types.CodeObject) {
	t.Helper()
	pkg := &core.ThreadPackage{
		OriginRuntimeID: origin,
		ProgramID:       programID,
		ThreadID:        threadID,
		Code:            code,
		State:           types.InterpreterState{Status: types.Running},
	}
	require.NoError(t, rt.ThreadArrived(pkg))
}

// TestRuntimeTickRemovesCompletedProgram is Testable Scenario S1: a program
// whose only thread finishes is dropped from the scheduler within one tick.
func TestRuntimeTickRemovesCompletedProgram(t *testing.T) {
	rt, _ := newTestRuntime("r1")
	arrive(t, rt, "r1", "p1", 0, retOnlyCode())

	require.Len(t, rt.Snapshot(), 1)
	rt.Tick()
	require.Empty(t, rt.Snapshot())
}

// TestRuntimeBlockedThreadResumesOnceMessageArrives is Testable Scenario S2:
// a thread blocked on RCV is not torn down as a false deadlock while its
// sender has not yet delivered, and completes normally once it has.
func TestRuntimeBlockedThreadResumesOnceMessageArrives(t *testing.T) {
	rt, _ := newTestRuntime("r1")
	arrive(t, rt, "r1", "p1", 0, rcvThenRetCode(1))
	arrive(t, rt, "r1", "p1", 1, sendThenRetCode(0, "hi"))

	// First couple of ticks: thread 0 blocks waiting on thread 1's send.
	rt.Tick()
	rt.Tick()
	snap := rt.Snapshot()
	require.NotEmpty(t, snap, "program must survive while the sender hasn't delivered yet")

	for i := 0; i < 6 && len(rt.Snapshot()) > 0; i++ {
		rt.Tick()
	}
	require.Empty(t, rt.Snapshot(), "program must be torn down once both threads finish")
}

// TestRuntimeTickRemovesDeadlockedProgram is Testable Scenario S3: two
// threads waiting on each other forever are recognized as deadlocked and
// the program is removed within a bounded number of ticks.
func TestRuntimeTickRemovesDeadlockedProgram(t *testing.T) {
	rt, _ := newTestRuntime("r1")
	arrive(t, rt, "r1", "p1", 0, rcvThenRetCode(1))
	arrive(t, rt, "r1", "p1", 1, rcvThenRetCode(0))

	require.Len(t, rt.Snapshot(), 2)
	for i := 0; i < 10 && len(rt.Snapshot()) > 0; i++ {
		rt.Tick()
	}
	require.Empty(t, rt.Snapshot(), "mutually blocked threads must eventually be torn down")
}

// TestRuntimeThreadArrivedHonorsForeignOrigin checks that a thread arriving
// on a runtime that is not its origin is still scheduled (it runs as a
// guest here), while its origin identity is exactly what the caller passed
// rather than always collapsing to the local runtime id.
func TestRuntimeThreadArrivedHonorsForeignOrigin(t *testing.T) {
	logger := definition.NewDefaultLogger("test", nil)
	bus := core.NewCommunicationBus("r2", logger)
	rt := core.NewRuntime("r2", bus, logger, definition.DefaultConfig())

	arrive(t, rt, "r1", "p1", 0, retOnlyCode())
	require.Len(t, rt.Snapshot(), 1)

	status, ok := rt.ThreadStatus(types.ThreadUID{ProgramID: "p1", ThreadID: 0})
	require.True(t, ok)
	require.Equal(t, types.Running, status)

	// A thread guesting here that is not locally originated is still torn
	// down on completion, via pruneFinishedGuests rather than own_programs.
	rt.Tick()
	require.Empty(t, rt.Snapshot())
}
