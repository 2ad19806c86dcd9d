package core

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/jabolina/gridvm/pkg/gridvm/types"
)

// migrationGate is a one-shot signal: exactly one waiter blocks until
// exactly one signal arrives carrying the migration's outcome. Built on a
// weighted semaphore of size one instead of a plain channel so the same
// gate can be safely waited on from a context that might be cancelled
// (spec §5: the migrating thread blocks until the destination ACKs or
// NACKs, or the request times out).
type migrationGate struct {
	sem *semaphore.Weighted
	err error
}

func newMigrationGate() *migrationGate {
	g := &migrationGate{sem: semaphore.NewWeighted(1)}
	_ = g.sem.Acquire(context.Background(), 1)
	return g
}

func (g *migrationGate) wait(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.sem.Release(1)
	return g.err
}

func (g *migrationGate) signal(err error) {
	g.err = err
	g.sem.Release(1)
}

// OutboundRequest is one unit of work the CommunicationBus has queued for
// the NetHandler to actually put on the wire (spec §5: "the Communication
// bus is the thread-safe boundary between the Net handler and the
// Runtime").
type OutboundRequest struct {
	Kind         types.PacketKind
	Target       types.RuntimeID // empty means "multicast to the whole group"
	Thread       types.ThreadUID // recipient for THREAD_MESSAGE/STATUS_REQ, subject for MIGRATE_THREAD
	SenderThread types.ThreadUID // populated for THREAD_MESSAGE
	Value        interface{}     // populated for THREAD_MESSAGE
	Text         string          // populated for print requests
	Pkg          *ThreadPackage  // populated for migration requests
	ReportStatus bool            // true when Kind==RUNTIME_STATUS_REQ is a push report rather than a query
	Status       types.Status    // populated when ReportStatus is true
}

// CommunicationBus is the thread-safe mailbox and forwarding table shared by
// the local Runtime and the local NetHandler. Every cross-thread or
// cross-runtime interaction the interpreter opcodes trigger (SND/RCV, PRN,
// migration) passes through here; neither side calls the other directly.
type CommunicationBus struct {
	mu sync.Mutex

	localRuntimeID types.RuntimeID
	logger         types.Logger

	inbox       map[types.InboxKey][]interface{}
	forwarding  map[types.ThreadUID]types.RuntimeID
	outbound    []OutboundRequest
	gates       map[types.ThreadUID]*migrationGate
	appliedReqs map[string]struct{} // dedup of inbound request ids already applied
}

// NewCommunicationBus constructs an empty bus for the given local runtime.
func NewCommunicationBus(localRuntimeID types.RuntimeID, logger types.Logger) *CommunicationBus {
	return &CommunicationBus{
		localRuntimeID: localRuntimeID,
		logger:         logger,
		inbox:          make(map[types.InboxKey][]interface{}),
		forwarding:     make(map[types.ThreadUID]types.RuntimeID),
		gates:          make(map[types.ThreadUID]*migrationGate),
		appliedReqs:    make(map[string]struct{}),
	}
}

// SendMessage is called by the interpreter's SND handler. If the recipient
// thread is known to live on a remote runtime the message is queued as an
// outbound request instead of delivered to the local inbox.
func (b *CommunicationBus) SendMessage(recv, sender types.ThreadUID, msg interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if owner, known := b.forwarding[recv]; known && owner != b.localRuntimeID {
		b.outbound = append(b.outbound, OutboundRequest{
			Kind:         types.THREAD_MESSAGE,
			Target:       owner,
			Thread:       recv,
			SenderThread: sender,
			Value:        msg,
		})
		return
	}

	key := types.InboxKey{Recv: recv, Sender: sender}
	b.inbox[key] = append(b.inbox[key], msg)
}

// ReceiveMessage is called by the interpreter's RCV handler. ok is false
// when no message has arrived yet, in which case the caller must block.
func (b *CommunicationBus) ReceiveMessage(sender, recv types.ThreadUID) (interface{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := types.InboxKey{Recv: recv, Sender: sender}
	queue := b.inbox[key]
	if len(queue) == 0 {
		return nil, false
	}
	b.inbox[key] = queue[1:]
	return queue[0], true
}

// CanReceiveMessage peeks without consuming, used by the scheduler's
// deadlock check (spec §4.3) to decide whether a blocked thread can resume.
func (b *CommunicationBus) CanReceiveMessage(sender, recv types.ThreadUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inbox[types.InboxKey{Recv: recv, Sender: sender}]) > 0
}

// ReceiveAllMessages drains every inbox addressed to thread, regardless of
// sender, returning them so they can travel inside a ThreadPackage during
// migration (spec §5).
func (b *CommunicationBus) ReceiveAllMessages(thread types.ThreadUID) []PendingMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	var drained []PendingMessage
	for key, queue := range b.inbox {
		if key.Recv != thread {
			continue
		}
		for _, v := range queue {
			drained = append(drained, PendingMessage{From: key.Sender, To: thread, Value: v})
		}
		delete(b.inbox, key)
	}
	return drained
}

// RestoreMessages re-injects pending messages carried in a migrated
// thread's package, e.g. after the destination runtime accepts it.
func (b *CommunicationBus) RestoreMessages(pending []PendingMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range pending {
		key := types.InboxKey{Recv: m.To, Sender: m.From}
		b.inbox[key] = append(b.inbox[key], m.Value)
	}
}

// SendStatusRequest queues a request asking owner for the current status of
// thread (spec §4.3). Nothing in this module calls it: the Runtime's
// deadlock handling works from local and pushed statuses only, and the
// net handler only logs the status a reply carries.
func (b *CommunicationBus) SendStatusRequest(owner types.RuntimeID, thread types.ThreadUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbound = append(b.outbound, OutboundRequest{
		Kind:   types.RUNTIME_STATUS_REQ,
		Target: owner,
		Thread: thread,
	})
}

// ReportStatus queues a push notification telling origin that thread just
// transitioned to status, implementing the origin-side status reports of
// spec §4.5 ("the scheduler reports the change back to the origin runtime
// via the Communication bus"). A no-op when origin is the local runtime,
// since the Runtime updates its own own_programs bookkeeping directly in
// that case.
func (b *CommunicationBus) ReportStatus(origin types.RuntimeID, thread types.ThreadUID, status types.Status) {
	if origin == b.localRuntimeID {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbound = append(b.outbound, OutboundRequest{
		Kind:         types.RUNTIME_STATUS_REQ,
		Target:       origin,
		Thread:       thread,
		ReportStatus: true,
		Status:       status,
	})
}

// SendPrintRequest queues a PRN announcement. PRN is defined to be visible
// cluster-wide (spec §4.4), so it is always queued for the net handler to
// multicast even though the originating thread is local.
func (b *CommunicationBus) SendPrintRequest(originRuntimeID types.RuntimeID, thread types.ThreadUID, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbound = append(b.outbound, OutboundRequest{
		Kind:   types.RUNTIME_PRINT_REQ,
		Target: "", // multicast
		Thread: thread,
		Text:   text,
	})
}

// MigrateThread queues a migration request to dest and blocks until the net
// handler reports the outcome via MigrateThreadCompleted, or ctx is done.
func (b *CommunicationBus) MigrateThread(ctx context.Context, dest types.RuntimeID, pkg *ThreadPackage) error {
	thread := types.ThreadUID{ProgramID: pkg.ProgramID, ThreadID: pkg.ThreadID}

	b.mu.Lock()
	gate := newMigrationGate()
	b.gates[thread] = gate
	b.outbound = append(b.outbound, OutboundRequest{
		Kind:   types.MIGRATE_THREAD,
		Target: dest,
		Thread: thread,
		Pkg:    pkg,
	})
	b.mu.Unlock()

	err := gate.wait(ctx)

	b.mu.Lock()
	delete(b.gates, thread)
	b.mu.Unlock()

	return err
}

// MigrateThreadCompleted is called by the net handler once it has a final
// ACK/NACK/timeout outcome for a migration request it placed earlier.
func (b *CommunicationBus) MigrateThreadCompleted(thread types.ThreadUID, err error) {
	b.mu.Lock()
	gate, ok := b.gates[thread]
	b.mu.Unlock()
	if !ok {
		return
	}
	gate.signal(err)
}

// UpdateThreadLocation records or overwrites which runtime currently owns
// thread, driving the forwarding table (spec §5).
func (b *CommunicationBus) UpdateThreadLocation(thread types.ThreadUID, owner types.RuntimeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forwarding[thread] = owner
}

// LocateThread returns the runtime believed to own thread.
func (b *CommunicationBus) LocateThread(thread types.ThreadUID) (types.RuntimeID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	owner, ok := b.forwarding[thread]
	return owner, ok
}

// GetToSendRequests drains and returns every outbound request queued since
// the last call; the net handler's main loop polls this every tick.
func (b *CommunicationBus) GetToSendRequests() []OutboundRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.outbound) == 0 {
		return nil
	}
	drained := b.outbound
	b.outbound = nil
	return drained
}

// AddThreadMessage is called by the net handler when an inbound THREAD_MESSAGE
// arrives from a remote runtime, injecting the message into the local
// recipient's inbox exactly as a local SND would.
func (b *CommunicationBus) AddThreadMessage(requestID string, sender, recv types.ThreadUID, msg interface{}) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.markApplied(requestID) {
		return false
	}
	key := types.InboxKey{Recv: recv, Sender: sender}
	b.inbox[key] = append(b.inbox[key], msg)
	return true
}

// AddPrintRequest is called by the net handler when an inbound PRINT_REQ
// arrives; the caller is responsible for the actual console write, this
// only guards against re-applying a retried request.
func (b *CommunicationBus) AddPrintRequest(requestID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.markApplied(requestID)
}

// AddStatusRequest records that a STATUS_REQ with requestID has been
// answered, guarding against duplicate replies on a retried request.
func (b *CommunicationBus) AddStatusRequest(requestID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.markApplied(requestID)
}

// AddThreadMigration is called by the net handler when an inbound
// MIGRATE_THREAD delivers a thread package this runtime must now host.
// It updates the forwarding table and restores any pending messages the
// package carried.
func (b *CommunicationBus) AddThreadMigration(requestID string, pkg *ThreadPackage) bool {
	b.mu.Lock()
	if !b.markApplied(requestID) {
		b.mu.Unlock()
		return false
	}
	thread := types.ThreadUID{ProgramID: pkg.ProgramID, ThreadID: pkg.ThreadID}
	b.forwarding[thread] = b.localRuntimeID
	b.mu.Unlock()

	b.RestoreMessages(pkg.Pending)
	return true
}

func (b *CommunicationBus) markApplied(requestID string) bool {
	if requestID == "" {
		return true
	}
	if _, seen := b.appliedReqs[requestID]; seen {
		return false
	}
	b.appliedReqs[requestID] = struct{}{}
	return true
}
