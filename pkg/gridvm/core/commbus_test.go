package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/gridvm/pkg/gridvm/core"
	"github.com/jabolina/gridvm/pkg/gridvm/definition"
	"github.com/jabolina/gridvm/pkg/gridvm/types"
)

func TestCommunicationBusLocalSendReceive(t *testing.T) {
	bus := core.NewCommunicationBus("r1", definition.NewDefaultLogger("test", nil))
	sender := types.ThreadUID{ProgramID: "p1", ThreadID: 0}
	recv := types.ThreadUID{ProgramID: "p1", ThreadID: 1}

	_, ok := bus.ReceiveMessage(sender, recv)
	require.False(t, ok)

	bus.SendMessage(recv, sender, "hello")
	require.True(t, bus.CanReceiveMessage(sender, recv))

	msg, ok := bus.ReceiveMessage(sender, recv)
	require.True(t, ok)
	require.Equal(t, "hello", msg)
}

func TestCommunicationBusQueuesRemoteSendAsOutbound(t *testing.T) {
	bus := core.NewCommunicationBus("r1", definition.NewDefaultLogger("test", nil))
	recv := types.ThreadUID{ProgramID: "p1", ThreadID: 1}
	sender := types.ThreadUID{ProgramID: "p1", ThreadID: 0}

	bus.UpdateThreadLocation(recv, "r2")
	bus.SendMessage(recv, sender, 42)

	requests := bus.GetToSendRequests()
	require.Len(t, requests, 1)
	require.Equal(t, types.THREAD_MESSAGE, requests[0].Kind)
	require.Equal(t, types.RuntimeID("r2"), requests[0].Target)
	require.Equal(t, 42, requests[0].Value)

	// Draining is destructive: a second call returns nothing new.
	require.Empty(t, bus.GetToSendRequests())
}

func TestCommunicationBusReceiveAllMessagesForMigration(t *testing.T) {
	bus := core.NewCommunicationBus("r1", definition.NewDefaultLogger("test", nil))
	recv := types.ThreadUID{ProgramID: "p1", ThreadID: 1}
	senderA := types.ThreadUID{ProgramID: "p1", ThreadID: 0}
	senderB := types.ThreadUID{ProgramID: "p1", ThreadID: 2}

	bus.SendMessage(recv, senderA, "a")
	bus.SendMessage(recv, senderB, "b")

	drained := bus.ReceiveAllMessages(recv)
	require.Len(t, drained, 2)
	require.False(t, bus.CanReceiveMessage(senderA, recv))

	bus.RestoreMessages(drained)
	require.True(t, bus.CanReceiveMessage(senderA, recv))
	require.True(t, bus.CanReceiveMessage(senderB, recv))
}

func TestCommunicationBusMigrateThreadTimesOutWithoutCompletion(t *testing.T) {
	bus := core.NewCommunicationBus("r1", definition.NewDefaultLogger("test", nil))
	pkg := &core.ThreadPackage{ProgramID: "p1", ThreadID: 0}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := bus.MigrateThread(ctx, "r2", pkg)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommunicationBusMigrateThreadCompletedUnblocksWaiter(t *testing.T) {
	bus := core.NewCommunicationBus("r1", definition.NewDefaultLogger("test", nil))
	pkg := &core.ThreadPackage{ProgramID: "p1", ThreadID: 0}
	thread := types.ThreadUID{ProgramID: "p1", ThreadID: 0}

	done := make(chan error, 1)
	go func() {
		done <- bus.MigrateThread(context.Background(), "r2", pkg)
	}()

	// Give the migration goroutine time to register its gate before
	// signalling completion.
	time.Sleep(20 * time.Millisecond)

	bus.MigrateThreadCompleted(thread, nil)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("migrate did not unblock")
	}
}

func TestCommunicationBusAddThreadMessageDeduplicatesByRequestID(t *testing.T) {
	bus := core.NewCommunicationBus("r1", definition.NewDefaultLogger("test", nil))
	recv := types.ThreadUID{ProgramID: "p1", ThreadID: 1}
	sender := types.ThreadUID{ProgramID: "p1", ThreadID: 0}

	require.True(t, bus.AddThreadMessage("req-1", sender, recv, "x"))
	require.False(t, bus.AddThreadMessage("req-1", sender, recv, "x"))

	msg, ok := bus.ReceiveMessage(sender, recv)
	require.True(t, ok)
	require.Equal(t, "x", msg)
	_, ok = bus.ReceiveMessage(sender, recv)
	require.False(t, ok)
}
