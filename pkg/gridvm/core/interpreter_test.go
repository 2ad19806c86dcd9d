package core_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/gridvm/pkg/gridvm/core"
	"github.com/jabolina/gridvm/pkg/gridvm/types"
)

type fakeBus struct {
	inbox map[types.InboxKey][]interface{}
	sent  []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{inbox: make(map[types.InboxKey][]interface{})}
}

func (f *fakeBus) SendMessage(recv, sender types.ThreadUID, msg interface{}) {
	key := types.InboxKey{Recv: recv, Sender: sender}
	f.inbox[key] = append(f.inbox[key], msg)
}

func (f *fakeBus) ReceiveMessage(sender, recv types.ThreadUID) (interface{}, bool) {
	key := types.InboxKey{Recv: recv, Sender: sender}
	q := f.inbox[key]
	if len(q) == 0 {
		return nil, false
	}
	f.inbox[key] = q[1:]
	return q[0], true
}

func (f *fakeBus) SendPrintRequest(originRuntimeID types.RuntimeID, thread types.ThreadUID, text string) {
	f.sent = append(f.sent, text)
}

func arithmeticCode() *types.CodeObject {
	return &types.CodeObject{
		Instructions: []types.Operation{
			{OpCode: types.LOAD_CONST, Arg: 0},              // push 4
			{OpCode: types.LOAD_CONST, Arg: 1},              // push 3
			{OpCode: types.ARITHM, Arg: uint16(types.OpAdd)}, // 4+3=7
			{OpCode: types.STORE_VAR, Arg: 0},
			{OpCode: types.RET},
		},
		Consts: []interface{}{int64(4), int64(3)},
	}
}

func TestInterpreterArithmeticAndReturn(t *testing.T) {
	bus := newFakeBus()
	interp := core.NewInterpreter("r1", "r1", "p1", 0, arithmeticCode(), bus)
	interp.Start(nil)

	for i := 0; i < 3; i++ {
		result := interp.Step()
		require.IsType(t, types.StepContinue{}, result)
	}
	result := interp.Step()
	require.IsType(t, types.StepFinished{}, result)
	require.Equal(t, types.Finished, interp.Status)
	require.Equal(t, int64(7), interp.Vars[0])
}

func TestInterpreterBuildArraySelfRewritesToNop(t *testing.T) {
	code := &types.CodeObject{
		Instructions: []types.Operation{
			{OpCode: types.BUILD_ARRAY, Arg: 0},
			{OpCode: types.RET},
		},
	}
	bus := newFakeBus()
	interp := core.NewInterpreter("r1", "r1", "p1", 0, code, bus)
	interp.Start(nil)

	interp.Step()
	require.Equal(t, types.NOP, interp.Code.Instructions[0].OpCode)
}

func TestInterpreterRCVBlocksThenResumes(t *testing.T) {
	code := &types.CodeObject{
		Instructions: []types.Operation{
			{OpCode: types.LOAD_CONST, Arg: 0}, // push sender thread id
			{OpCode: types.RCV},
			{OpCode: types.STORE_VAR, Arg: 0},
			{OpCode: types.RET},
		},
		Consts: []interface{}{int64(1)},
	}
	bus := newFakeBus()
	interp := core.NewInterpreter("r1", "r1", "p1", 0, code, bus)
	interp.Start(nil)

	interp.Step() // LOAD_CONST
	blocked := interp.Step()
	require.IsType(t, types.StepBlocked{}, blocked)
	require.Equal(t, types.Blocked, interp.Status)

	sender := types.ThreadUID{ProgramID: "p1", ThreadID: 1}
	recv := interp.ThreadUID()
	bus.SendMessage(recv, sender, int64(99))

	interp.Status = types.Running
	result := interp.Step()
	require.IsType(t, types.StepContinue{}, result)
	interp.Step()
	require.Equal(t, int64(99), interp.Vars[0])
}

func TestInterpreterSaveLoadRoundTrip(t *testing.T) {
	bus := newFakeBus()
	interp := core.NewInterpreter("r1", "r1", "p1", 0, arithmeticCode(), bus)
	interp.Start(nil)
	interp.Step()
	interp.Step()

	snapshot := interp.SaveState()

	restored := core.NewInterpreter("r2", "r1", "p1", 0, arithmeticCode(), bus)
	restored.LoadState(snapshot)

	require.Equal(t, interp.PC, restored.PC)
	require.Equal(t, interp.Stack, restored.Stack)
	require.Equal(t, interp.Status, restored.Status)
}

func TestInterpreterDivisionByZeroCrashes(t *testing.T) {
	code := &types.CodeObject{
		Instructions: []types.Operation{
			{OpCode: types.LOAD_CONST, Arg: 0},
			{OpCode: types.LOAD_CONST, Arg: 1},
			{OpCode: types.ARITHM, Arg: uint16(types.OpDiv)},
		},
		Consts: []interface{}{int64(1), int64(0)},
	}
	bus := newFakeBus()
	interp := core.NewInterpreter("r1", "r1", "p1", 0, code, bus)
	interp.Start(nil)
	interp.Step()
	interp.Step()
	result := interp.Step()
	require.IsType(t, types.StepCrashed{}, result)
	require.Equal(t, types.Crashed, interp.Status)
}
