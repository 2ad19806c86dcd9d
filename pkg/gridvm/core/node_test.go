package core_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jabolina/gridvm/pkg/gridvm/core"
	"github.com/jabolina/gridvm/pkg/gridvm/definition"
	"github.com/jabolina/gridvm/pkg/gridvm/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTransportHub wires any number of fakeTransports together in-process,
// so node_test.go can drive real core.Node instances across a simulated
// cluster without opening a single socket.
type fakeTransportHub struct {
	mu     sync.Mutex
	byAddr map[string]*fakeTransport
	cut    map[string]bool
}

func newFakeTransportHub() *fakeTransportHub {
	return &fakeTransportHub{byAddr: map[string]*fakeTransport{}, cut: map[string]bool{}}
}

func (h *fakeTransportHub) register(ip string, port int) *fakeTransport {
	t := &fakeTransport{hub: h, ip: ip, port: port, out: make(chan core.InboundPacket, 256), closed: make(chan struct{})}
	h.mu.Lock()
	h.byAddr[t.addr()] = t
	h.mu.Unlock()
	return t
}

// sever makes every future Unicast to addr fail, simulating that peer
// becoming unreachable (Testable Scenario S6).
func (h *fakeTransportHub) sever(addr string) {
	h.mu.Lock()
	h.cut[addr] = true
	h.mu.Unlock()
}

type fakeTransport struct {
	hub    *fakeTransportHub
	ip     string
	port   int
	out    chan core.InboundPacket
	closed chan struct{}
	once   sync.Once
}

func (t *fakeTransport) addr() string { return fmt.Sprintf("%s:%d", t.ip, t.port) }

func (t *fakeTransport) LocalAddr() (string, int) { return t.ip, t.port }

func (t *fakeTransport) Multicast(pkt types.Packet) error {
	t.hub.mu.Lock()
	targets := make([]*fakeTransport, 0, len(t.hub.byAddr))
	for _, other := range t.hub.byAddr {
		targets = append(targets, other)
	}
	t.hub.mu.Unlock()

	for _, other := range targets {
		if other == t {
			continue
		}
		other.deliver(core.InboundPacket{Packet: pkt, From: t.addr()})
	}
	return nil
}

func (t *fakeTransport) Unicast(addr string, pkt types.Packet) error {
	t.hub.mu.Lock()
	down := t.hub.cut[addr]
	target, ok := t.hub.byAddr[addr]
	t.hub.mu.Unlock()
	if down || !ok {
		return fmt.Errorf("fake transport: %s unreachable", addr)
	}
	target.deliver(core.InboundPacket{Packet: pkt, From: t.addr()})
	return nil
}

func (t *fakeTransport) deliver(in core.InboundPacket) {
	select {
	case t.out <- in:
	case <-t.closed:
	}
}

func (t *fakeTransport) Listen(ctx context.Context) (<-chan core.InboundPacket, error) {
	return t.out, nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// newTestNode wires a Node the same way core.NewNode does, but around an
// already-built transport instead of a real socket, for tests.
func newTestNode(id types.RuntimeID, transport core.Transport, cfg definition.Config, logger types.Logger) *core.Node {
	bus := core.NewCommunicationBus(id, logger)
	runtime := core.NewRuntime(id, bus, logger, cfg)
	net := core.NewNetHandler(cfg, logger, id, bus, transport, runtime, runtime, runtime, nil)
	return &core.Node{ID: id, Bus: bus, Runtime: runtime, Net: net}
}

func fastTestConfig() definition.Config {
	cfg := definition.DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.AckTimeout = 200 * time.Millisecond
	cfg.RetryBaseDelay = 10 * time.Millisecond
	cfg.RetryMaxDelay = 20 * time.Millisecond
	cfg.MaxRetries = 2
	cfg.ShutdownTimeout = 300 * time.Millisecond
	return cfg
}

// waitFor polls cond until it reports true or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.Fail(t, "timed out waiting for condition", msg)
}

func arriveOn(t *testing.T, rt *core.Runtime, origin types.RuntimeID, programID types.ProgramID, threadID types.ThreadID, code *types.CodeObject) {
	t.Helper()
	require.NoError(t, rt.ThreadArrived(&core.ThreadPackage{
		OriginRuntimeID: origin,
		ProgramID:       programID,
		ThreadID:        threadID,
		Code:            code,
		State:           types.InterpreterState{Status: types.Running},
	}))
}

// TestCrossNodeSendDeliversMessage is Testable Scenario S4: a thread hosted
// on one node sends to a thread hosted on another, across the wire.
func TestCrossNodeSendDeliversMessage(t *testing.T) {
	logger := definition.NewDefaultLogger("test", nil)
	cfg := fastTestConfig()
	hub := newFakeTransportHub()

	nodeA := newTestNode("nodeA", hub.register("10.0.0.1", 9001), cfg, logger)
	nodeB := newTestNode("nodeB", hub.register("10.0.0.2", 9002), cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go nodeA.Run(ctx)
	go nodeB.Run(ctx)

	waitFor(t, time.Second, "nodes discover each other", func() bool {
		_, a := nodeA.Net.Peers()["nodeB"]
		_, b := nodeB.Net.Peers()["nodeA"]
		return a && b
	})

	programID := types.ProgramID("p-s4")
	recvUID := types.ThreadUID{ProgramID: programID, ThreadID: 1}

	arriveOn(t, nodeA.Runtime, "nodeA", programID, 0, sendThenRetCode(1, "hi from nodeA"))
	arriveOn(t, nodeB.Runtime, "nodeB", programID, 1, rcvThenRetCode(0))
	nodeA.Bus.UpdateThreadLocation(recvUID, "nodeB")

	waitFor(t, 2*time.Second, "both threads finish and their programs are torn down", func() bool {
		return len(nodeA.Runtime.Snapshot()) == 0 && len(nodeB.Runtime.Snapshot()) == 0
	})
}

// TestMigrateRunningThreadCompletesOnDestination is Testable Scenario S5: a
// thread already mid-execution is migrated away and finishes running on the
// destination node, with completion reported all the way back to origin.
func TestMigrateRunningThreadCompletesOnDestination(t *testing.T) {
	logger := definition.NewDefaultLogger("test", nil)
	cfg := fastTestConfig()
	hub := newFakeTransportHub()

	nodeA := newTestNode("nodeA", hub.register("10.0.1.1", 9001), cfg, logger)
	nodeB := newTestNode("nodeB", hub.register("10.0.1.2", 9002), cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go nodeA.Run(ctx)
	go nodeB.Run(ctx)

	waitFor(t, time.Second, "nodes discover each other", func() bool {
		_, a := nodeA.Net.Peers()["nodeB"]
		_, b := nodeB.Net.Peers()["nodeA"]
		return a && b
	})

	programID := types.ProgramID("p-s5")
	threadUID := types.ThreadUID{ProgramID: programID, ThreadID: 0}
	code := &types.CodeObject{
		Instructions: []types.Operation{
			{OpCode: types.LOAD_CONST, Arg: 0},
			{OpCode: types.LOAD_CONST, Arg: 0},
			{OpCode: types.RET},
		},
		Consts: []interface{}{int64(1)},
	}
	arriveOn(t, nodeA.Runtime, "nodeA", programID, 0, code)

	waitFor(t, time.Second, "thread makes at least one step before migrating", func() bool {
		status, ok := nodeA.Runtime.ThreadStatus(threadUID)
		return ok && status == types.Running
	})

	require.NoError(t, nodeA.Migrate(ctx, threadUID, "nodeB"))

	waitFor(t, 2*time.Second, "migrated thread finishes on destination and origin tears the program down", func() bool {
		return len(nodeA.Runtime.Snapshot()) == 0 && len(nodeB.Runtime.Snapshot()) == 0
	})
}

// TestMigrateToUnreachablePeerRestoresThreadLocally is Testable Scenario S6:
// migrating to a peer that has gone unreachable fails cleanly, leaving the
// thread scheduled locally instead of stranding it mid-transfer.
func TestMigrateToUnreachablePeerRestoresThreadLocally(t *testing.T) {
	logger := definition.NewDefaultLogger("test", nil)
	cfg := fastTestConfig()
	hub := newFakeTransportHub()

	transportA := hub.register("10.0.2.1", 9001)
	transportB := hub.register("10.0.2.2", 9002)
	nodeA := newTestNode("nodeA", transportA, cfg, logger)
	nodeB := newTestNode("nodeB", transportB, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go nodeA.Run(ctx)
	go nodeB.Run(ctx)

	waitFor(t, time.Second, "nodes discover each other", func() bool {
		_, a := nodeA.Net.Peers()["nodeB"]
		return a
	})

	programID := types.ProgramID("p-s6")
	threadUID := types.ThreadUID{ProgramID: programID, ThreadID: 0}
	arriveOn(t, nodeA.Runtime, "nodeA", programID, 0, rcvThenRetCode(99))

	hub.sever(transportB.addr())

	err := nodeA.Migrate(ctx, threadUID, "nodeB")
	require.Error(t, err)

	status, ok := nodeA.Runtime.ThreadStatus(threadUID)
	require.True(t, ok, "failed migration must leave the thread scheduled locally")
	require.NotEqual(t, types.Stopped, status)
}
