package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jabolina/gridvm/pkg/gridvm/bytecode"
	"github.com/jabolina/gridvm/pkg/gridvm/definition"
	"github.com/jabolina/gridvm/pkg/gridvm/types"
)

// Runtime is the cooperative scheduler of spec §4.3/§4.5: round-robin
// dispatch across every locally-hosted thread, sleeping/blocked-thread
// bookkeeping, and the migration request/accept path.
type Runtime struct {
	id     types.RuntimeID
	bus    *CommunicationBus
	logger types.Logger
	cfg    definition.Config

	mu      sync.Mutex
	threads map[types.ThreadUID]*Interpreter
	order   []types.ThreadUID
	cursor  int

	// ownPrograms mirrors spec §4.5's own_programs: program_id -> (thread_id
	// -> status), tracked regardless of where each thread currently runs, for
	// every program this runtime originated.
	ownPrograms map[types.ProgramID]map[types.ThreadID]types.Status

	// deadlockStreak counts consecutive sanityCheck passes in which a
	// program looked fully blocked, so a thread that clears RCV on the very
	// next tick (its sender simply ran later in the same tick) is not torn
	// down on a single coincidental snapshot.
	deadlockStreak map[types.ProgramID]int

	idleTicks int
}

// deadlockConfirmTicks is how many consecutive sanityCheck passes must see
// every non-terminal thread of a program blocked before the program is
// declared deadlocked and torn down.
const deadlockConfirmTicks = 3

// NewRuntime constructs a scheduler bound to the given runtime identity.
func NewRuntime(id types.RuntimeID, bus *CommunicationBus, logger types.Logger, cfg definition.Config) *Runtime {
	return &Runtime{
		id:             id,
		bus:            bus,
		logger:         logger,
		cfg:            cfg,
		threads:        make(map[types.ThreadUID]*Interpreter),
		ownPrograms:    make(map[types.ProgramID]map[types.ThreadID]types.Status),
		deadlockStreak: make(map[types.ProgramID]int),
	}
}

// LoadProgram instantiates every thread of desc locally, claims ownership of
// each in the forwarding table, and registers the program under
// ownPrograms since this runtime is its origin (spec §3: a program is a
// fixed set of threads sharing a program_id; spec §4.5's origin bookkeeping).
func (r *Runtime) LoadProgram(desc *bytecode.ProgramDescriptor) error {
	statuses := make(map[types.ThreadID]types.Status, len(desc.Threads))
	for _, spec := range desc.Threads {
		code, err := bytecode.Load(spec.SourceFile)
		if err != nil {
			return fmt.Errorf("gridvm/core: load thread %d of %s: %w", spec.ThreadID, desc.ProgramID, err)
		}
		interp := NewInterpreter(r.id, r.id, desc.ProgramID, spec.ThreadID, code, r.bus)
		interp.Start(spec.Args)
		r.register(interp)
		statuses[spec.ThreadID] = interp.Status
	}
	r.mu.Lock()
	r.ownPrograms[desc.ProgramID] = statuses
	r.mu.Unlock()
	return nil
}

func (r *Runtime) register(interp *Interpreter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uid := interp.ThreadUID()
	r.threads[uid] = interp
	r.order = append(r.order, uid)
	r.bus.UpdateThreadLocation(uid, r.id)
}

// ThreadStatus implements StatusProvider for the net handler's
// RUNTIME_STATUS_REQ handler.
func (r *Runtime) ThreadStatus(thread types.ThreadUID) (types.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	interp, ok := r.threads[thread]
	if !ok {
		return 0, false
	}
	return interp.Status, true
}

// ReportThreadStatus implements StatusSink: it is called (locally, or from
// the net handler after an inbound RUNTIME_STATUS_REQ push) whenever a
// thread this runtime originates transitions, updating own_programs and
// re-running the sanity check (spec §4.5: "the scheduler reports the change
// back to the origin runtime via the Communication bus").
func (r *Runtime) ReportThreadStatus(thread types.ThreadUID, status types.Status) {
	r.mu.Lock()
	statuses, ok := r.ownPrograms[thread.ProgramID]
	if !ok {
		r.mu.Unlock()
		return
	}
	statuses[thread.ThreadID] = status
	r.mu.Unlock()
	r.sanityCheck()
}

// ThreadArrived implements ArrivalHandler: a migrated thread lands here and
// resumes exactly where it left off. If this runtime is the thread's origin
// (it migrated back home, or was never away logically), it re-enters
// own_programs bookkeeping.
func (r *Runtime) ThreadArrived(pkg *ThreadPackage) error {
	interp := NewInterpreter(r.id, pkg.OriginRuntimeID, pkg.ProgramID, pkg.ThreadID, pkg.Code, r.bus)
	interp.LoadState(pkg.State)
	r.register(interp)

	if interp.Origin == r.id {
		r.mu.Lock()
		statuses, ok := r.ownPrograms[pkg.ProgramID]
		if !ok {
			statuses = make(map[types.ThreadID]types.Status)
			r.ownPrograms[pkg.ProgramID] = statuses
		}
		statuses[pkg.ThreadID] = interp.Status
		r.mu.Unlock()
	}

	r.logger.Infof("accepted migrated thread %s from %s", interp.ThreadUID(), pkg.FromRuntimeID)
	return nil
}

// Run ticks the scheduler at cfg.TickInterval until ctx is cancelled (spec
// §4.5 "the scheduler loop").
func (r *Runtime) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Tick runs exactly one round of the scheduler: wake sleepers whose time
// has come, try to unblock threads waiting on a now-available message, then
// step every thread still runnable this round (spec §4.5 steps 1-3).
func (r *Runtime) Tick() {
	r.mu.Lock()
	order := append([]types.ThreadUID(nil), r.order...)
	r.mu.Unlock()

	ran := 0
	now := time.Now()

	for _, uid := range order {
		r.mu.Lock()
		interp, ok := r.threads[uid]
		r.mu.Unlock()
		if !ok {
			continue
		}

		switch interp.Status {
		case types.Sleeping:
			if now.Before(interp.WakeUpAt) {
				continue
			}
			interp.Status = types.Running
		case types.Blocked:
			if !r.bus.CanReceiveMessage(interp.WaitingFrom, uid) {
				continue
			}
			interp.Status = types.Running
		case types.Stopped, types.Finished, types.Crashed:
			continue
		}

		result := interp.Step()
		ran++
		if interp.Origin != r.id {
			switch result.(type) {
			case types.StepBlocked, types.StepSleeping, types.StepFinished, types.StepCrashed:
				r.bus.ReportStatus(interp.Origin, uid, interp.Status)
			}
		}
		if crashed, isCrash := result.(types.StepCrashed); isCrash {
			r.logger.Errorf("thread %s crashed: %v", uid, crashed.Err)
		}
	}

	if ran == 0 {
		r.idleTicks++
		if r.idleTicks == 10 {
			r.checkDeadlock()
		}
	} else {
		r.idleTicks = 0
	}

	r.refreshOwnPrograms()
	r.sanityCheck()
	r.pruneFinishedGuests()
}

// pruneFinishedGuests drops locally-hosted threads this runtime does not
// originate once they reach a terminal status. Origin-side bookkeeping for
// them lives in own_programs on the originating runtime, which Tick's step
// loop above already notified via CommunicationBus.ReportStatus; this
// runtime has no further use for a guest thread once it stops running.
func (r *Runtime) pruneFinishedGuests() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for uid, interp := range r.threads {
		if interp.Origin == r.id || !interp.Status.Terminal() {
			continue
		}
		delete(r.threads, uid)
	}

	kept := r.order[:0]
	for _, uid := range r.order {
		if _, ok := r.threads[uid]; ok {
			kept = append(kept, uid)
		}
	}
	r.order = kept
}

// refreshOwnPrograms copies the live status of every locally-hosted thread
// this runtime originated into own_programs. Unlike the cross-runtime push
// in Tick's step loop (which only fires on a BLOCKED/SLEEPING/FINISHED/
// CRASHED transition, to avoid flooding the wire), the local bookkeeping is
// free to refresh every tick so own_programs never holds a stale status for
// a thread that quietly went back to RUNNING (e.g. a successful RCV).
func (r *Runtime) refreshOwnPrograms() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, interp := range r.threads {
		if interp.Origin != r.id {
			continue
		}
		if statuses, ok := r.ownPrograms[uid.ProgramID]; ok {
			statuses[uid.ThreadID] = interp.Status
		}
	}
}

// checkDeadlock logs a diagnostic when every locally-hosted, non-terminal
// thread has sat Blocked for multiple consecutive idle ticks (spec §4.3's
// deadlock detection; cross-runtime confirmation is left to
// SendStatusRequest callers, not required to declare a local deadlock).
func (r *Runtime) checkDeadlock() {
	r.mu.Lock()
	defer r.mu.Unlock()

	blocked := 0
	live := 0
	for _, interp := range r.threads {
		if interp.Status.Terminal() {
			continue
		}
		live++
		if interp.Status == types.Blocked {
			blocked++
		}
	}
	if live > 0 && blocked == live {
		r.logger.Warnf("possible deadlock: %d/%d live threads on %s are blocked with no forward progress", blocked, live, r.id)
	}
}

// sanityCheck evaluates every program this runtime originates against spec
// §4.5's origin-side bookkeeping rule (Testable Property 8): if every
// thread has reached a terminal status, the program is complete and torn
// down immediately; if every non-terminal thread is BLOCKED for
// deadlockConfirmTicks consecutive passes, it is declared a deadlock, logged
// and torn down all the same (spec's Testable Scenario S3, "program removed
// within finite ticks"). A crashed thread counts as terminal here too, so a
// crash cannot strand a program in own_programs forever. The streak
// requirement on the deadlock branch (but not on completion) exists because
// a thread can look BLOCKED for one tick purely because its sender runs
// later in the same round - own_programs is only refreshed once per tick,
// so a one-shot snapshot cannot tell that apart from a real deadlock.
func (r *Runtime) sanityCheck() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for programID, statuses := range r.ownPrograms {
		if len(statuses) == 0 {
			continue
		}

		allTerminal := true
		live, blocked := 0, 0
		for _, status := range statuses {
			if status.Terminal() {
				continue
			}
			allTerminal = false
			live++
			if status == types.Blocked {
				blocked++
			}
		}

		switch {
		case allTerminal:
			r.logger.Infof("program %s complete: all threads finished", programID)
			delete(r.deadlockStreak, programID)
			r.teardownProgramLocked(programID)
		case live > 0 && blocked == live:
			r.deadlockStreak[programID]++
			if r.deadlockStreak[programID] < deadlockConfirmTicks {
				continue
			}
			r.logger.Warnf("program %s deadlocked: %d/%d live threads blocked with no forward progress", programID, blocked, live)
			delete(r.deadlockStreak, programID)
			r.teardownProgramLocked(programID)
		default:
			delete(r.deadlockStreak, programID)
		}
	}
}

// teardownProgramLocked drops programID from own_programs and from every
// locally-hosted thread table. Callers must hold r.mu.
func (r *Runtime) teardownProgramLocked(programID types.ProgramID) {
	delete(r.ownPrograms, programID)
	for uid := range r.threads {
		if uid.ProgramID == programID {
			delete(r.threads, uid)
		}
	}
	kept := r.order[:0]
	for _, uid := range r.order {
		if uid.ProgramID != programID {
			kept = append(kept, uid)
		}
	}
	r.order = kept
}

// MigrateAwayGuests hands off every locally-hosted thread that did not
// originate here to an arbitrary known peer, so a clean shutdown does not
// strand another runtime's work (spec §5's shutdown sequence, step "attempts
// to migrate away all non-origin threads held locally").
func (r *Runtime) MigrateAwayGuests(ctx context.Context, peers func() map[types.RuntimeID]string) {
	r.mu.Lock()
	var guests []types.ThreadUID
	for uid, interp := range r.threads {
		if interp.Origin != r.id {
			guests = append(guests, uid)
		}
	}
	r.mu.Unlock()

	if len(guests) == 0 {
		return
	}

	available := peers()
	if len(available) == 0 {
		r.logger.Warnf("shutting down with %d guest thread(s) and no peer to migrate them to", len(guests))
		return
	}
	var dest types.RuntimeID
	for id := range available {
		dest = id
		break
	}

	for _, uid := range guests {
		if err := r.Migrate(ctx, uid, dest); err != nil {
			r.logger.Warnf("failed migrating guest thread %s away during shutdown: %v", uid, err)
		}
	}
}

// Migrate performs the five-step migration process of spec §5: locate the
// thread, pause it, pack its state and pending messages, hand the package
// to the communication bus, and either drop it locally on success or
// restore it on failure.
func (r *Runtime) Migrate(ctx context.Context, thread types.ThreadUID, dest types.RuntimeID) error {
	r.mu.Lock()
	interp, ok := r.threads[thread]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("gridvm/core: no local thread %s to migrate", thread)
	}
	previousStatus := interp.Status
	interp.Status = types.Stopped
	r.mu.Unlock()

	pending := r.bus.ReceiveAllMessages(thread)

	pkg := &ThreadPackage{
		OriginRuntimeID: interp.Origin,
		FromRuntimeID:   r.id,
		ProgramID:       thread.ProgramID,
		ThreadID:        thread.ThreadID,
		Code:            interp.Code,
		State:           interp.SaveState(),
		Pending:         pending,
	}

	if err := r.bus.MigrateThread(ctx, dest, pkg); err != nil {
		r.mu.Lock()
		interp.Status = previousStatus
		r.mu.Unlock()
		r.bus.RestoreMessages(pending)
		return fmt.Errorf("gridvm/core: migrate %s to %s: %w", thread, dest, err)
	}

	r.mu.Lock()
	delete(r.threads, thread)
	for i, uid := range r.order {
		if uid == thread {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.bus.UpdateThreadLocation(thread, dest)
	r.logger.Infof("migrated thread %s to %s", thread, dest)
	return nil
}

// Snapshot lists every locally-hosted thread and its current status, for
// the operator shell's "this" command.
func (r *Runtime) Snapshot() map[types.ThreadUID]types.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[types.ThreadUID]types.Status, len(r.threads))
	for uid, interp := range r.threads {
		out[uid] = interp.Status
	}
	return out
}
