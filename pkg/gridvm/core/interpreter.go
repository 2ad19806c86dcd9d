// Package core implements the three tightly-coupled subsystems of GridVM:
// the interpreter, the runtime/scheduler, and the net handler, plus the
// communication bus that sits between the scheduler and the net handler.
package core

import (
	"fmt"
	"time"

	"github.com/jabolina/gridvm/pkg/gridvm/types"
)

// MessageBus is the subset of CommunicationBus the interpreter talks to
// (spec §4.4's SND/RCV/PRN/SLP opcodes). Kept as an interface so interpreter
// tests do not need a live net handler.
type MessageBus interface {
	SendMessage(recv, sender types.ThreadUID, msg interface{})
	ReceiveMessage(sender, recv types.ThreadUID) (interface{}, bool)
	SendPrintRequest(originRuntimeID types.RuntimeID, thread types.ThreadUID, text string)
}

var arithmeticTable = [...]func(a, b float64) float64{
	types.OpAdd: func(a, b float64) float64 { return a + b },
	types.OpSub: func(a, b float64) float64 { return a - b },
	types.OpMul: func(a, b float64) float64 { return a * b },
	types.OpDiv: func(a, b float64) float64 { return a / b },
	types.OpMod: func(a, b float64) float64 { return float64(int64(a) % int64(b)) },
}

var compareTable = [...]func(a, b float64) bool{
	types.OpGreater:      func(a, b float64) bool { return a > b },
	types.OpGreaterEqual: func(a, b float64) bool { return a >= b },
	types.OpLess:         func(a, b float64) bool { return a < b },
	types.OpLessEqual:    func(a, b float64) bool { return a <= b },
	types.OpEqual:        func(a, b float64) bool { return a == b },
}

// Interpreter is a single thread's stack machine (spec §4.4).
type Interpreter struct {
	RuntimeID types.RuntimeID // the runtime currently hosting this thread
	Origin    types.RuntimeID // the runtime that first loaded this thread; constant across migrations
	ProgramID types.ProgramID
	ThreadID  types.ThreadID

	Code *types.CodeObject

	PC          int
	Vars        map[uint16]interface{}
	Arrays      map[uint16]map[int64]interface{}
	Stack       []interface{}
	Status      types.Status
	WakeUpAt    time.Time
	WaitingFrom types.ThreadUID

	bus MessageBus
}

// NewInterpreter creates a thread bound to the given code object and message
// bus. origin identifies the runtime responsible for this thread's
// program-level bookkeeping (spec §4.5's "origin runtime"), which does not
// change across subsequent migrations even though runtimeID does.
func NewInterpreter(runtimeID, origin types.RuntimeID, programID types.ProgramID, threadID types.ThreadID, code *types.CodeObject, bus MessageBus) *Interpreter {
	return &Interpreter{
		RuntimeID: runtimeID,
		Origin:    origin,
		ProgramID: programID,
		ThreadID:  threadID,
		Code:      code,
		Vars:      make(map[uint16]interface{}),
		Arrays:    make(map[uint16]map[int64]interface{}),
		Status:    types.Stopped,
		bus:       bus,
	}
}

// ThreadUID returns this interpreter's cluster-wide identity.
func (i *Interpreter) ThreadUID() types.ThreadUID {
	return types.ThreadUID{ProgramID: i.ProgramID, ThreadID: i.ThreadID}
}

// Start initializes variable index 0 (argc) and array index 0 (argv) from
// argv, then marks the thread runnable (spec §3 "Special slots").
func (i *Interpreter) Start(argv []int) {
	array := make(map[int64]interface{}, len(argv))
	for idx, v := range argv {
		array[int64(idx)] = v
	}
	i.Arrays[0] = array
	i.Vars[0] = len(argv)
	i.Status = types.Running
}

func (i *Interpreter) push(v interface{}) {
	i.Stack = append(i.Stack, v)
}

func (i *Interpreter) pop() (interface{}, error) {
	n := len(i.Stack)
	if n == 0 {
		return nil, fmt.Errorf("gridvm/core: operand stack underflow at pc=%d", i.PC)
	}
	v := i.Stack[n-1]
	i.Stack = i.Stack[:n-1]
	return v, nil
}

func asFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("gridvm/core: value %v (%T) is not numeric", v, v)
	}
}

func asInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("gridvm/core: value %v (%T) is not an integer index", v, v)
	}
}

func truthy(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int:
		return b != 0
	case int64:
		return b != 0
	case float64:
		return b != 0
	case string:
		return b != ""
	default:
		return v != nil
	}
}

// Step executes exactly one instruction and reports the resulting
// transition (spec §4.4, §9 REDESIGN FLAGS: a fixed jump table indexed by
// opcode value, not dynamic dispatch by method name).
func (i *Interpreter) Step() types.StepResult {
	if i.PC < 0 || i.PC >= len(i.Code.Instructions) {
		i.Status = types.Crashed
		return types.StepCrashed{Err: fmt.Errorf("gridvm/core: program finished without calling RET")}
	}

	op := i.Code.Instructions[i.PC]
	if !op.OpCode.Valid() {
		i.Status = types.Crashed
		return types.StepCrashed{Err: fmt.Errorf("gridvm/core: unknown opcode %d at pc=%d", op.OpCode, i.PC)}
	}

	result, err := i.exec(op)
	if err != nil {
		i.Status = types.Crashed
		return types.StepCrashed{Err: err}
	}

	switch r := result.(type) {
	case types.StepBlocked:
		i.Status = types.Blocked
		i.WaitingFrom = r.On
		// PC is NOT advanced: the instruction retries on resume (spec §4.4).
		return r
	case types.StepSleeping:
		i.Status = types.Sleeping
		i.WakeUpAt = r.Until
		i.PC++
		return r
	case types.StepFinished:
		i.Status = types.Finished
		i.PC++
		return r
	case types.StepCrashed:
		i.Status = types.Crashed
		// PC is NOT advanced: a crashed thread never executes again.
		return r
	default:
		i.advancePC(op)
		return types.StepContinue{}
	}
}

// advancePC applies the "advance by one unless JMP/JMP_IF_TRUE already set
// PC explicitly" rule (spec §4.4).
func (i *Interpreter) advancePC(op types.Operation) {
	switch op.OpCode {
	case types.JMP, types.JMP_IF_TRUE:
		// pc already repositioned by the handler
	default:
		i.PC++
	}
}

func (i *Interpreter) exec(op types.Operation) (types.StepResult, error) {
	switch op.OpCode {
	case types.LOAD_CONST:
		if int(op.Arg) >= len(i.Code.Consts) {
			return nil, fmt.Errorf("gridvm/core: LOAD_CONST index %d out of range", op.Arg)
		}
		i.push(i.Code.Consts[op.Arg])
		return types.StepContinue{}, nil

	case types.LOAD_VAR:
		v, ok := i.Vars[op.Arg]
		if !ok {
			return nil, fmt.Errorf("gridvm/core: LOAD_VAR undeclared variable %d", op.Arg)
		}
		i.push(v)
		return types.StepContinue{}, nil

	case types.STORE_VAR:
		v, err := i.pop()
		if err != nil {
			return nil, err
		}
		i.Vars[op.Arg] = v
		return types.StepContinue{}, nil

	case types.BUILD_VAR:
		return types.StepContinue{}, nil

	case types.LOAD_ARRAY:
		idx, err := i.pop()
		if err != nil {
			return nil, err
		}
		index, err := asInt64(idx)
		if err != nil {
			return nil, err
		}
		arr, ok := i.Arrays[op.Arg]
		if !ok {
			return nil, fmt.Errorf("gridvm/core: LOAD_ARRAY undeclared array %d", op.Arg)
		}
		v, ok := arr[index]
		if !ok {
			return nil, fmt.Errorf("gridvm/core: LOAD_ARRAY index %d not set", index)
		}
		i.push(v)
		return types.StepContinue{}, nil

	case types.STORE_ARRAY:
		idx, err := i.pop()
		if err != nil {
			return nil, err
		}
		index, err := asInt64(idx)
		if err != nil {
			return nil, err
		}
		v, err := i.pop()
		if err != nil {
			return nil, err
		}
		arr, ok := i.Arrays[op.Arg]
		if !ok {
			arr = make(map[int64]interface{})
			i.Arrays[op.Arg] = arr
		}
		arr[index] = v
		return types.StepContinue{}, nil

	case types.BUILD_ARRAY:
		i.Arrays[op.Arg] = make(map[int64]interface{})
		// Rewrite this instruction to NOP: one-shot declaration (spec §4.4).
		i.Code.Instructions[i.PC] = types.Operation{OpCode: types.NOP, Line: op.Line}
		return types.StepContinue{}, nil

	case types.ROT_TWO:
		return types.StepContinue{}, nil

	case types.ARITHM:
		if int(op.Arg) >= len(arithmeticTable) {
			return nil, fmt.Errorf("gridvm/core: unknown arithmetic operator %d", op.Arg)
		}
		b, err := i.pop()
		if err != nil {
			return nil, err
		}
		a, err := i.pop()
		if err != nil {
			return nil, err
		}
		af, err := asFloat(a)
		if err != nil {
			return nil, err
		}
		bf, err := asFloat(b)
		if err != nil {
			return nil, err
		}
		if (op.Arg == uint16(types.OpDiv) || op.Arg == uint16(types.OpMod)) && bf == 0 {
			return nil, fmt.Errorf("gridvm/core: division by zero")
		}
		_, aFloat := a.(float64)
		_, bFloat := b.(float64)
		if !aFloat && !bFloat && op.Arg != uint16(types.OpDiv) {
			// Integer operands keep an integer result; only OpDiv yields float64.
			i.push(int64(arithmeticTable[op.Arg](af, bf)))
			return types.StepContinue{}, nil
		}
		i.push(arithmeticTable[op.Arg](af, bf))
		return types.StepContinue{}, nil

	case types.COMPARE_OP:
		if int(op.Arg) >= len(compareTable) {
			return nil, fmt.Errorf("gridvm/core: unknown comparison operator %d", op.Arg)
		}
		b, err := i.pop()
		if err != nil {
			return nil, err
		}
		a, err := i.pop()
		if err != nil {
			return nil, err
		}
		af, err := asFloat(a)
		if err != nil {
			return nil, err
		}
		bf, err := asFloat(b)
		if err != nil {
			return nil, err
		}
		i.push(compareTable[op.Arg](af, bf))
		return types.StepContinue{}, nil

	case types.JMP:
		target, err := i.labelTarget(op.Arg)
		if err != nil {
			return nil, err
		}
		i.PC = target
		return types.StepContinue{}, nil

	case types.JMP_IF_TRUE:
		cond, err := i.pop()
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			target, err := i.labelTarget(op.Arg)
			if err != nil {
				return nil, err
			}
			i.PC = target
		} else {
			i.PC++
		}
		return types.StepContinue{}, nil

	case types.SND:
		v, err := i.pop()
		if err != nil {
			return nil, err
		}
		dst, err := i.pop()
		if err != nil {
			return nil, err
		}
		dstThread, err := asInt64(dst)
		if err != nil {
			return nil, err
		}
		recv := types.ThreadUID{ProgramID: i.ProgramID, ThreadID: types.ThreadID(dstThread)}
		i.bus.SendMessage(recv, i.ThreadUID(), v)
		return types.StepContinue{}, nil

	case types.RCV:
		src, err := i.pop()
		if err != nil {
			return nil, err
		}
		srcThread, err := asInt64(src)
		if err != nil {
			return nil, err
		}
		sender := types.ThreadUID{ProgramID: i.ProgramID, ThreadID: types.ThreadID(srcThread)}
		msg, ok := i.bus.ReceiveMessage(sender, i.ThreadUID())
		if !ok {
			i.push(src)
			return types.StepBlocked{On: sender}, nil
		}
		i.push(msg)
		return types.StepContinue{}, nil

	case types.SLP:
		d, err := i.pop()
		if err != nil {
			return nil, err
		}
		seconds, err := asFloat(d)
		if err != nil {
			return nil, err
		}
		return types.StepSleeping{Until: time.Now().Add(time.Duration(seconds * float64(time.Second)))}, nil

	case types.PRN:
		n := int(op.Arg)
		values := make([]interface{}, n)
		for idx := n - 1; idx >= 0; idx-- {
			v, err := i.pop()
			if err != nil {
				return nil, err
			}
			values[idx] = v
		}
		formatIdx, err := i.pop()
		if err != nil {
			return nil, err
		}
		formatFloat, err := asInt64(formatIdx)
		if err != nil {
			return nil, err
		}
		if int(formatFloat) >= len(i.Code.Consts) {
			return nil, fmt.Errorf("gridvm/core: PRN format constant %d out of range", formatFloat)
		}
		format := fmt.Sprint(i.Code.Consts[formatFloat])
		parts := make([]string, len(values))
		for idx, v := range values {
			parts[idx] = fmt.Sprint(v)
		}
		text := format
		if len(parts) > 0 {
			text += joinWithCommaSpace(parts)
		}
		i.bus.SendPrintRequest(i.RuntimeID, i.ThreadUID(), text)
		return types.StepContinue{}, nil

	case types.RET:
		return types.StepFinished{}, nil

	case types.NOP:
		return types.StepContinue{}, nil

	default:
		return nil, fmt.Errorf("gridvm/core: unhandled opcode %s", op.OpCode)
	}
}

func joinWithCommaSpace(parts []string) string {
	out := ""
	for idx, p := range parts {
		if idx > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func (i *Interpreter) labelTarget(labelID uint16) (int, error) {
	if int(labelID) >= len(i.Code.Labels) {
		return 0, fmt.Errorf("gridvm/core: undefined label %d", labelID)
	}
	return i.Code.Labels[labelID], nil
}

// SaveState snapshots PC/variables/arrays/stack/status for migration or
// testing (spec §4.4 Save/load, Testable Property 6).
func (i *Interpreter) SaveState() types.InterpreterState {
	arrays := make(map[uint16]map[int64]interface{}, len(i.Arrays))
	for k, v := range i.Arrays {
		inner := make(map[int64]interface{}, len(v))
		for ik, iv := range v {
			inner[ik] = iv
		}
		arrays[k] = inner
	}
	vars := make(map[uint16]interface{}, len(i.Vars))
	for k, v := range i.Vars {
		vars[k] = v
	}
	stack := make([]interface{}, len(i.Stack))
	copy(stack, i.Stack)

	return types.InterpreterState{
		PC:          i.PC,
		Vars:        vars,
		Arrays:      arrays,
		Stack:       stack,
		Status:      i.Status,
		WakeUpAt:    i.WakeUpAt.UnixNano(),
		WaitingFrom: i.WaitingFrom,
	}
}

// LoadState restores a previously saved snapshot.
func (i *Interpreter) LoadState(state types.InterpreterState) {
	i.PC = state.PC
	i.Vars = state.Vars
	i.Arrays = state.Arrays
	i.Stack = state.Stack
	i.Status = state.Status
	i.WaitingFrom = state.WaitingFrom
	if state.WakeUpAt != 0 {
		i.WakeUpAt = time.Unix(0, state.WakeUpAt)
	}
}
