package core

import (
	"context"
	"crypto/rand"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/jabolina/gridvm/pkg/gridvm/bytecode"
	"github.com/jabolina/gridvm/pkg/gridvm/definition"
	"github.com/jabolina/gridvm/pkg/gridvm/types"
)

// Node wires the three subsystems of a single GridVM process together: the
// scheduler (Runtime), the p2p layer (NetHandler), and the bus between them
// (spec §5). It is the unit the operator shell and cmd/gridvm drive.
type Node struct {
	ID      types.RuntimeID
	Bus     *CommunicationBus
	Runtime *Runtime
	Net     *NetHandler

	logger types.Logger
}

// NewNode builds a Node bound to cfg, joining the multicast group and
// binding a unicast TCP port immediately.
func NewNode(cfg definition.Config, logger types.Logger) (*Node, error) {
	id, err := randomRuntimeID()
	if err != nil {
		return nil, err
	}

	transport, err := NewUDPTransport(cfg.MulticastGroup, cfg.Interface)
	if err != nil {
		return nil, err
	}

	bus := NewCommunicationBus(id, logger)
	runtime := NewRuntime(id, bus, logger, cfg)
	net := NewNetHandler(cfg, logger, id, bus, transport, runtime, runtime, runtime, nil)

	node := &Node{ID: id, Bus: bus, Runtime: runtime, Net: net, logger: logger}
	net.SetOnIsolated(func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := node.Shutdown(ctx); err != nil {
			logger.Warnf("isolated shutdown failed: %v", err)
		}
	})
	return node, nil
}

func randomRuntimeID() (types.RuntimeID, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("gridvm/core: generate runtime id: %w", err)
	}
	return types.RuntimeID(fmt.Sprintf("%x", buf)), nil
}

// LoadProgram parses a .mtss descriptor and schedules every thread it names
// on this node.
func (n *Node) LoadProgram(descriptorPath string) (*bytecode.ProgramDescriptor, error) {
	desc, err := bytecode.ParseDescriptor(descriptorPath)
	if err != nil {
		return nil, err
	}
	if err := n.Runtime.LoadProgram(desc); err != nil {
		return nil, err
	}
	return desc, nil
}

// Migrate delegates to the Runtime's migration process.
func (n *Node) Migrate(ctx context.Context, thread types.ThreadUID, dest types.RuntimeID) error {
	return n.Runtime.Migrate(ctx, thread, dest)
}

// Shutdown runs the graceful departure sequence of spec §5: stop accepting
// migrated threads, hand off every guest thread this runtime is only
// hosting temporarily, then broadcast SHUTDOWN_REQ and wait for the cluster
// to acknowledge before the caller closes sockets.
func (n *Node) Shutdown(ctx context.Context) error {
	n.Net.BeginShutdown()
	n.Runtime.MigrateAwayGuests(ctx, n.Net.Peers)
	return n.Net.BroadcastShutdown(ctx)
}

// Run starts the net handler and the scheduler as two cooperating
// goroutines (golang.org/x/sync/errgroup, grounded on the teacher's own
// two-worker core.Invoker lifecycle) and blocks until either exits or ctx
// is cancelled.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.Net.Run(gctx)
	})
	g.Go(func() error {
		return n.Runtime.Run(gctx)
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil // shutdown was requested by the caller, not a failure
	}
	return err
}
