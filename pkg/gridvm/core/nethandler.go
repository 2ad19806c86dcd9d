package core

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jabolina/gridvm/pkg/gridvm/definition"
	"github.com/jabolina/gridvm/pkg/gridvm/protocol"
	"github.com/jabolina/gridvm/pkg/gridvm/types"
)

func init() {
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register("")
	gob.Register(false)
}

func encodeMessageValue(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, fmt.Errorf("gridvm/core: encode message value: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeMessageValue(buf []byte) (interface{}, error) {
	var v interface{}
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&v); err != nil {
		return nil, fmt.Errorf("gridvm/core: decode message value: %w", err)
	}
	return v, nil
}

// StatusProvider answers a local thread-status lookup for RUNTIME_STATUS_REQ
// (spec §4.3's cross-runtime deadlock detection).
type StatusProvider interface {
	ThreadStatus(thread types.ThreadUID) (types.Status, bool)
}

// ArrivalHandler is notified when a migrated thread package lands on this
// runtime, so the Runtime can start scheduling it.
type ArrivalHandler interface {
	ThreadArrived(pkg *ThreadPackage) error
}

// StatusSink receives pushed status reports for threads this runtime
// originated but that now run elsewhere (spec §4.5's origin-side
// bookkeeping, reported back over the wire as a RUNTIME_STATUS_REQ carrying
// a "status" field instead of asking a question).
type StatusSink interface {
	ReportThreadStatus(thread types.ThreadUID, status types.Status)
}

type peerInfo struct {
	IP   string
	Port int
}

func (p peerInfo) addr() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// NetHandler is the p2p networking subsystem of spec §4.2: multicast
// discovery, reliable unicast request/reply, forwarding, and the thread
// migration sub-protocol, all driven from one goroutine's main loop plus a
// bounded pool of in-flight unicast senders.
type NetHandler struct {
	cfg        definition.Config
	logger     types.Logger
	runtimeID  types.RuntimeID
	bus        *CommunicationBus
	transport  Transport
	status     StatusProvider
	arrivals   ArrivalHandler
	statusSink StatusSink
	printer    func(text string)

	mu    sync.Mutex
	peers map[types.RuntimeID]peerInfo

	reqCounter  uint64
	pendingMu   sync.Mutex
	pendingAcks map[string]chan types.Packet

	destMu     sync.Mutex
	destQueues map[types.RuntimeID]chan OutboundRequest

	shutdownMu   sync.Mutex
	shuttingDown bool
	shutdownAcks map[types.RuntimeID]struct{}
	isolateOnce  sync.Once
	onIsolated   func()
}

// NewNetHandler wires a NetHandler around an already-constructed transport.
func NewNetHandler(cfg definition.Config, logger types.Logger, runtimeID types.RuntimeID, bus *CommunicationBus, transport Transport, status StatusProvider, arrivals ArrivalHandler, statusSink StatusSink, printer func(string)) *NetHandler {
	if printer == nil {
		printer = func(text string) { fmt.Println(text) }
	}
	return &NetHandler{
		cfg:         cfg,
		logger:      logger,
		runtimeID:   runtimeID,
		bus:         bus,
		transport:   transport,
		status:      status,
		arrivals:    arrivals,
		statusSink:  statusSink,
		printer:     printer,
		peers:       make(map[types.RuntimeID]peerInfo),
		pendingAcks: make(map[string]chan types.Packet),
		destQueues:  make(map[types.RuntimeID]chan OutboundRequest),
	}
}

// SetOnIsolated registers a callback fired at most once, when a peer's
// departure leaves this runtime's own peer table down to a single entry
// (spec §4.2.1's SHUTDOWN_ACK row: "if the peer table size <= 1, terminate").
func (h *NetHandler) SetOnIsolated(fn func()) {
	h.shutdownMu.Lock()
	h.onIsolated = fn
	h.shutdownMu.Unlock()
}

func (h *NetHandler) sender() protocol.SenderInfo {
	ip, port := h.transport.LocalAddr()
	return protocol.SenderInfo{IP: ip, Port: port, RuntimeID: h.runtimeID}
}

func (h *NetHandler) nextRequestID() string {
	n := atomic.AddUint64(&h.reqCounter, 1)
	return fmt.Sprintf("%s-%d", h.runtimeID, n)
}

// Run drains the communication bus and dispatches inbound packets until ctx
// is cancelled (spec §4.2: "drain outbound -> poll -> dispatch").
func (h *NetHandler) Run(ctx context.Context) error {
	inbound, err := h.transport.Listen(ctx)
	if err != nil {
		return fmt.Errorf("gridvm/core: start transport: %w", err)
	}

	if err := h.Discover(ctx); err != nil {
		h.logger.Warnf("initial discovery failed: %v", err)
	}

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-inbound:
			if !ok {
				return nil
			}
			h.dispatch(ctx, in)
		case <-ticker.C:
			h.drainOutbound(ctx)
		}
	}
}

// Discover multicasts a DISCOVER_REQ announcing this runtime to the group.
func (h *NetHandler) Discover(ctx context.Context) error {
	pkt := protocol.NewRequest(types.DISCOVER_REQ, h.sender())
	return h.transport.Multicast(pkt)
}

// drainOutbound hands every queued request to a sender. Multicast requests
// (Target == "") are independent of each other and fire concurrently, but a
// unicast request is routed to a persistent per-destination worker so that
// two requests queued for the same runtime in the same drain never race
// across independent dials: the sender serializes its sends through that
// one worker, and each send blocks on its own ACK before the next is drawn
// from the queue (spec §5's FIFO guarantee for SND).
func (h *NetHandler) drainOutbound(ctx context.Context) {
	for _, req := range h.bus.GetToSendRequests() {
		req := req
		if req.Target == "" {
			go h.send(ctx, req)
			continue
		}
		h.enqueueForDestination(ctx, req)
	}
}

func (h *NetHandler) enqueueForDestination(ctx context.Context, req OutboundRequest) {
	h.destMu.Lock()
	queue, ok := h.destQueues[req.Target]
	if !ok {
		queue = make(chan OutboundRequest, 64)
		h.destQueues[req.Target] = queue
		go h.runDestinationWorker(ctx, queue)
	}
	h.destMu.Unlock()

	select {
	case queue <- req:
	case <-ctx.Done():
	}
}

// runDestinationWorker drains queue strictly one request at a time for the
// lifetime of ctx. h.send blocks until the prior request's outcome is known
// (ACK/NACK/timeout via roundTrip, or MigrateThreadCompleted for
// migrations), so a single worker per destination is sufficient to
// guarantee delivery order to that destination.
func (h *NetHandler) runDestinationWorker(ctx context.Context, queue chan OutboundRequest) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-queue:
			h.send(ctx, req)
		}
	}
}

func (h *NetHandler) peerAddr(id types.RuntimeID) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.peers[id]
	if !ok {
		return "", false
	}
	return p.addr(), true
}

func (h *NetHandler) rememberPeer(info protocol.SenderInfo) {
	if info.RuntimeID == "" || info.RuntimeID == h.runtimeID {
		return
	}
	h.mu.Lock()
	h.peers[info.RuntimeID] = peerInfo{IP: info.IP, Port: info.Port}
	h.mu.Unlock()
}

// Peers returns a snapshot of every runtime discovered so far, for the
// operator shell's list_runtimes command.
func (h *NetHandler) Peers() map[types.RuntimeID]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[types.RuntimeID]string, len(h.peers))
	for id, p := range h.peers {
		out[id] = p.addr()
	}
	return out
}

func (h *NetHandler) send(ctx context.Context, req OutboundRequest) {
	switch req.Kind {
	case types.THREAD_MESSAGE:
		h.sendThreadMessage(ctx, req)
	case types.RUNTIME_STATUS_REQ:
		h.sendStatusRequest(ctx, req)
	case types.RUNTIME_PRINT_REQ:
		h.sendPrintAnnouncement(req)
	case types.MIGRATE_THREAD:
		h.sendMigration(ctx, req)
	default:
		h.logger.Warnf("net handler asked to send unsupported outbound kind %s", req.Kind)
	}
}

func (h *NetHandler) sendThreadMessage(ctx context.Context, req OutboundRequest) {
	addr, ok := h.peerAddr(req.Target)
	if !ok {
		h.logger.Warnf("no known address for runtime %s, dropping message to %s", req.Target, req.Thread)
		return
	}
	payload, err := encodeMessageValue(req.Value)
	if err != nil {
		h.logger.Errorf("encoding message to %s failed: %v", req.Thread, err)
		return
	}

	pkt := protocol.NewRequest(types.THREAD_MESSAGE, h.sender())
	pkt.Set("program_id", string(req.Thread.ProgramID))
	pkt.Set("thread_id", int(req.Thread.ThreadID))
	pkt.Set("sender_thread_id", int(req.SenderThread.ThreadID))
	pkt.Payload = payload

	if _, err := h.roundTrip(ctx, addr, pkt); err != nil {
		h.logger.Errorf("delivering message to %s failed: %v", req.Thread, err)
	}
}

func (h *NetHandler) sendStatusRequest(ctx context.Context, req OutboundRequest) {
	addr, ok := h.peerAddr(req.Target)
	if !ok {
		h.logger.Warnf("no known address for runtime %s, dropping status request for %s", req.Target, req.Thread)
		return
	}
	pkt := protocol.NewRequest(types.RUNTIME_STATUS_REQ, h.sender())
	pkt.Set("program_id", string(req.Thread.ProgramID))
	pkt.Set("thread_id", int(req.Thread.ThreadID))
	if req.ReportStatus {
		pkt.Set("status", req.Status.String())
	}

	reply, err := h.roundTrip(ctx, addr, pkt)
	if err != nil {
		h.logger.Warnf("status request for %s failed: %v", req.Thread, err)
		return
	}
	if req.ReportStatus {
		return
	}
	if statusName, ok := reply.Get("status"); ok {
		h.logger.Debugf("runtime %s reports %s is %v", req.Target, req.Thread, statusName)
	}
}

func (h *NetHandler) sendPrintAnnouncement(req OutboundRequest) {
	pkt := protocol.NewRequest(types.RUNTIME_PRINT_REQ, h.sender())
	pkt.Set("program_id", string(req.Thread.ProgramID))
	pkt.Set("thread_id", int(req.Thread.ThreadID))
	pkt.Payload = []byte(req.Text)
	if err := h.transport.Multicast(pkt); err != nil {
		h.logger.Errorf("broadcasting print from %s failed: %v", req.Thread, err)
	}
	h.printer(req.Text)
}

func (h *NetHandler) sendMigration(ctx context.Context, req OutboundRequest) {
	addr, ok := h.peerAddr(req.Target)
	if !ok {
		h.bus.MigrateThreadCompleted(req.Thread, types.ErrNoSuchPeer)
		return
	}

	buf, err := Pack(req.Pkg)
	if err != nil {
		h.bus.MigrateThreadCompleted(req.Thread, err)
		return
	}

	pkt := protocol.NewRequest(types.MIGRATE_THREAD, h.sender())
	pkt.Set("program_id", string(req.Thread.ProgramID))
	pkt.Set("thread_id", int(req.Thread.ThreadID))
	pkt.Payload = buf

	reply, err := h.roundTrip(ctx, addr, pkt)
	if err != nil {
		h.bus.MigrateThreadCompleted(req.Thread, err)
		return
	}
	if reply.Kind == types.NACK {
		h.bus.MigrateThreadCompleted(req.Thread, types.ErrMigrationRefused)
		return
	}
	h.bus.MigrateThreadCompleted(req.Thread, nil)
}

// roundTrip sends a request packet to addr and waits for its correlated
// reply, retrying with bounded exponential backoff on RETRY or timeout
// (spec §9 open question on unicast reply timeouts, resolved in
// definition.Config).
func (h *NetHandler) roundTrip(ctx context.Context, addr string, pkt types.Packet) (types.Packet, error) {
	requestID := h.nextRequestID()
	pkt.Set("request_id", requestID)

	replyCh := make(chan types.Packet, 1)
	h.pendingMu.Lock()
	h.pendingAcks[requestID] = replyCh
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pendingAcks, requestID)
		h.pendingMu.Unlock()
	}()

	delay := h.cfg.RetryBaseDelay
	for attempt := 0; attempt <= h.cfg.MaxRetries; attempt++ {
		if err := h.transport.Unicast(addr, pkt); err != nil {
			return types.Packet{}, err
		}

		timeoutCtx, cancel := context.WithTimeout(ctx, h.cfg.AckTimeout)
		select {
		case reply := <-replyCh:
			cancel()
			if reply.Kind == types.RETRY {
				time.Sleep(delay)
				delay = nextBackoff(delay, h.cfg.RetryMaxDelay)
				continue
			}
			return reply, nil
		case <-timeoutCtx.Done():
			cancel()
			if ctx.Err() != nil {
				return types.Packet{}, ctx.Err()
			}
			time.Sleep(delay)
			delay = nextBackoff(delay, h.cfg.RetryMaxDelay)
			continue
		}
	}
	return types.Packet{}, types.ErrRetriesExhausted
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func (h *NetHandler) dispatch(ctx context.Context, in InboundPacket) {
	sender, _ := protocol.ExtractSender(in.Packet)
	if sender.RuntimeID == h.runtimeID {
		return // our own multicast packet, looped back by the group
	}
	h.rememberPeer(sender)

	switch in.Packet.Kind {
	case types.DISCOVER_REQ:
		h.handleDiscoverReq(in, sender)
	case types.DISCOVER_REP:
		// rememberPeer already recorded it; nothing further to do.
	case types.SHUTDOWN_REQ:
		h.handleShutdownReq(in, sender)
	case types.DISCOVER_THREAD_REQ:
		h.handleDiscoverThreadReq(in, sender)
	case types.DISCOVER_THREAD_REP:
		h.handleDiscoverThreadRep(in)
	case types.THREAD_MESSAGE:
		h.handleThreadMessage(in, sender)
	case types.RUNTIME_STATUS_REQ:
		h.handleStatusReq(in, sender)
	case types.RUNTIME_PRINT_REQ:
		h.handlePrintReq(in)
	case types.MIGRATE_THREAD:
		h.handleMigrateThread(in, sender)
	case types.SHUTDOWN_ACK:
		h.handleShutdownAck(sender)
	case types.ACK, types.NACK, types.RETRY, types.MIGRATION_COMPLETED:
		h.resolvePending(in.Packet)
	default:
		h.logger.Debugf("ignoring inbound packet of kind %s", in.Packet.Kind)
	}
}

func (h *NetHandler) resolvePending(pkt types.Packet) {
	requestID, ok := pkt.Get("request_id")
	if !ok {
		return
	}
	id, _ := requestID.(string)
	h.pendingMu.Lock()
	ch, ok := h.pendingAcks[id]
	h.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- pkt:
	default:
	}
}

func (h *NetHandler) reply(kind types.PacketKind, requestID string, to protocol.SenderInfo) types.Packet {
	pkt := protocol.NewReply(kind, h.sender())
	pkt.Set("request_id", requestID)
	return pkt
}

func requestIDOf(pkt types.Packet) string {
	v, _ := pkt.Get("request_id")
	id, _ := v.(string)
	return id
}

func (h *NetHandler) handleDiscoverReq(in InboundPacket, sender protocol.SenderInfo) {
	reply := h.reply(types.DISCOVER_REP, requestIDOf(in.Packet), sender)
	if err := h.transport.Unicast(fmt.Sprintf("%s:%d", sender.IP, sender.Port), reply); err != nil {
		h.logger.Warnf("replying to discovery from %s failed: %v", sender.RuntimeID, err)
	}
}

// handleShutdownReq replies ACK to a departing peer's SHUTDOWN_REQ and
// removes it from the peer table (spec §4.2.1's SHUTDOWN_ACK row). If that
// leaves this runtime's own peer table down to one entry or none, it is
// effectively isolated and begins its own shutdown.
func (h *NetHandler) handleShutdownReq(in InboundPacket, sender protocol.SenderInfo) {
	reply := h.reply(types.SHUTDOWN_ACK, requestIDOf(in.Packet), sender)
	_ = h.transport.Unicast(fmt.Sprintf("%s:%d", sender.IP, sender.Port), reply)

	h.mu.Lock()
	delete(h.peers, sender.RuntimeID)
	remaining := len(h.peers)
	h.mu.Unlock()

	if remaining <= 1 {
		h.shutdownMu.Lock()
		onIsolated := h.onIsolated
		h.shutdownMu.Unlock()
		if onIsolated != nil {
			h.isolateOnce.Do(func() { go onIsolated() })
		}
	}
}

func (h *NetHandler) handleShutdownAck(sender protocol.SenderInfo) {
	if sender.RuntimeID == "" {
		return
	}
	h.shutdownMu.Lock()
	if h.shutdownAcks != nil {
		h.shutdownAcks[sender.RuntimeID] = struct{}{}
	}
	h.shutdownMu.Unlock()
}

// BeginShutdown sets the shutdown flag that makes subsequent MIGRATE_THREAD
// arrivals get NACKed (spec §5: "set a shutdown flag... arrivals NACK").
func (h *NetHandler) BeginShutdown() {
	h.shutdownMu.Lock()
	h.shuttingDown = true
	h.shutdownMu.Unlock()
}

func (h *NetHandler) isShuttingDown() bool {
	h.shutdownMu.Lock()
	defer h.shutdownMu.Unlock()
	return h.shuttingDown
}

// BroadcastShutdown multicasts SHUTDOWN_REQ and waits until every peer known
// at the time of the call has ACKed, the peer table has drained to one
// entry, or cfg.ShutdownTimeout elapses (spec §5: "broadcast SHUTDOWN_REQ
// and wait for all peers to ACK or the peer table to drain to one entry").
func (h *NetHandler) BroadcastShutdown(ctx context.Context) error {
	targets := h.Peers()
	if len(targets) == 0 {
		return nil
	}

	h.shutdownMu.Lock()
	h.shutdownAcks = make(map[types.RuntimeID]struct{})
	h.shutdownMu.Unlock()

	pkt := protocol.NewRequest(types.SHUTDOWN_REQ, h.sender())
	if err := h.transport.Multicast(pkt); err != nil {
		return fmt.Errorf("gridvm/core: broadcast shutdown: %w", err)
	}

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(h.cfg.ShutdownTimeout)
	defer timeout.Stop()

	for {
		if h.shutdownComplete(targets) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			h.logger.Warnf("shutdown timed out waiting for peer acknowledgements")
			return nil
		case <-ticker.C:
		}
	}
}

func (h *NetHandler) shutdownComplete(targets map[types.RuntimeID]string) bool {
	if len(h.Peers()) <= 1 {
		return true
	}
	h.shutdownMu.Lock()
	defer h.shutdownMu.Unlock()
	for id := range targets {
		if _, ok := h.shutdownAcks[id]; !ok {
			return false
		}
	}
	return true
}

func (h *NetHandler) handleDiscoverThreadReq(in InboundPacket, sender protocol.SenderInfo) {
	thread, ok := threadUIDFromMeta(in.Packet)
	requestID := requestIDOf(in.Packet)
	addr := fmt.Sprintf("%s:%d", sender.IP, sender.Port)
	if !ok {
		_ = h.transport.Unicast(addr, h.reply(types.NACK, requestID, sender))
		return
	}
	owner, known := h.bus.LocateThread(thread)
	if !known {
		_ = h.transport.Unicast(addr, h.reply(types.NACK, requestID, sender))
		return
	}
	reply := h.reply(types.DISCOVER_THREAD_REP, requestID, sender)
	reply.Set("program_id", string(thread.ProgramID))
	reply.Set("thread_id", int(thread.ThreadID))
	reply.Set("owner_runtime_id", string(owner))
	_ = h.transport.Unicast(addr, reply)
}

func (h *NetHandler) handleDiscoverThreadRep(in InboundPacket) {
	thread, ok := threadUIDFromMeta(in.Packet)
	if !ok {
		return
	}
	owner, ok := in.Packet.Get("owner_runtime_id")
	if !ok {
		return
	}
	ownerStr, _ := owner.(string)
	h.bus.UpdateThreadLocation(thread, types.RuntimeID(ownerStr))
	h.resolvePending(in.Packet)
}

func (h *NetHandler) handleThreadMessage(in InboundPacket, sender protocol.SenderInfo) {
	thread, ok := threadUIDFromMeta(in.Packet)
	requestID := requestIDOf(in.Packet)
	addr := fmt.Sprintf("%s:%d", sender.IP, sender.Port)
	if !ok {
		_ = h.transport.Unicast(addr, h.reply(types.NACK, requestID, sender))
		return
	}

	senderThreadID, _ := in.Packet.Get("sender_thread_id")
	senderThread := types.ThreadUID{ProgramID: thread.ProgramID, ThreadID: types.ThreadID(asInt(senderThreadID))}

	value, err := decodeMessageValue(in.Packet.Payload)
	if err != nil {
		h.logger.Errorf("decoding message to %s failed: %v", thread, err)
		_ = h.transport.Unicast(addr, h.reply(types.NACK, requestID, sender))
		return
	}

	h.bus.AddThreadMessage(requestID, senderThread, thread, value)
	_ = h.transport.Unicast(addr, h.reply(types.ACK, requestID, sender))
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func (h *NetHandler) handleStatusReq(in InboundPacket, sender protocol.SenderInfo) {
	thread, ok := threadUIDFromMeta(in.Packet)
	requestID := requestIDOf(in.Packet)
	addr := fmt.Sprintf("%s:%d", sender.IP, sender.Port)
	if !ok {
		_ = h.transport.Unicast(addr, h.reply(types.NACK, requestID, sender))
		return
	}

	if statusName, pushed := in.Packet.Get("status"); pushed {
		h.bus.AddStatusRequest(requestID)
		if name, _ := statusName.(string); name != "" && h.statusSink != nil {
			if status, ok := types.ParseStatus(name); ok {
				h.statusSink.ReportThreadStatus(thread, status)
			}
		}
		_ = h.transport.Unicast(addr, h.reply(types.ACK, requestID, sender))
		return
	}

	if h.status == nil {
		_ = h.transport.Unicast(addr, h.reply(types.NACK, requestID, sender))
		return
	}
	status, known := h.status.ThreadStatus(thread)
	if !known {
		_ = h.transport.Unicast(addr, h.reply(types.NACK, requestID, sender))
		return
	}
	h.bus.AddStatusRequest(requestID)
	reply := h.reply(types.ACK, requestID, sender)
	reply.Set("status", status.String())
	_ = h.transport.Unicast(addr, reply)
}

func (h *NetHandler) handlePrintReq(in InboundPacket) {
	requestID := requestIDOf(in.Packet)
	if h.bus.AddPrintRequest(requestID) {
		h.printer(string(in.Packet.Payload))
	}
}

func (h *NetHandler) handleMigrateThread(in InboundPacket, sender protocol.SenderInfo) {
	requestID := requestIDOf(in.Packet)
	addr := fmt.Sprintf("%s:%d", sender.IP, sender.Port)

	if h.isShuttingDown() {
		_ = h.transport.Unicast(addr, h.reply(types.NACK, requestID, sender))
		return
	}

	pkg, err := Unpack(in.Packet.Payload)
	if err != nil {
		h.logger.Errorf("unpacking migrated thread from %s failed: %v", sender.RuntimeID, err)
		_ = h.transport.Unicast(addr, h.reply(types.NACK, requestID, sender))
		return
	}

	if !h.bus.AddThreadMigration(requestID, pkg) {
		_ = h.transport.Unicast(addr, h.reply(types.MIGRATION_COMPLETED, requestID, sender))
		return
	}

	if h.arrivals != nil {
		if err := h.arrivals.ThreadArrived(pkg); err != nil {
			h.logger.Errorf("accepting migrated thread %d failed: %v", pkg.ThreadID, err)
			_ = h.transport.Unicast(addr, h.reply(types.NACK, requestID, sender))
			return
		}
	}

	_ = h.transport.Unicast(addr, h.reply(types.MIGRATION_COMPLETED, requestID, sender))
}

func threadUIDFromMeta(pkt types.Packet) (types.ThreadUID, bool) {
	pid, ok1 := pkt.Get("program_id")
	tid, ok2 := pkt.Get("thread_id")
	if !ok1 || !ok2 {
		return types.ThreadUID{}, false
	}
	pidStr, _ := pid.(string)

	var threadID int
	switch v := tid.(type) {
	case int:
		threadID = v
	case float64:
		threadID = int(v)
	default:
		return types.ThreadUID{}, false
	}

	return types.ThreadUID{ProgramID: types.ProgramID(pidStr), ThreadID: types.ThreadID(threadID)}, true
}
