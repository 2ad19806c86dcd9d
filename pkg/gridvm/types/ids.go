package types

import "fmt"

// RuntimeID is the short opaque identifier of a single GridVM node.
type RuntimeID string

// ProgramID identifies a loaded program; derived from the absolute path of
// its descriptor file.
type ProgramID string

// ThreadID is a thread's index within its program.
type ThreadID int

// ThreadUID uniquely identifies a thread across the whole cluster.
type ThreadUID struct {
	ProgramID ProgramID
	ThreadID  ThreadID
}

func (u ThreadUID) String() string {
	return fmt.Sprintf("%s:%d", u.ProgramID, u.ThreadID)
}

// InboxKey identifies a single-sender inbox for a receiving thread.
type InboxKey struct {
	Recv   ThreadUID
	Sender ThreadUID
}

func (k InboxKey) String() string {
	return fmt.Sprintf("%s<-%s", k.Recv, k.Sender)
}
