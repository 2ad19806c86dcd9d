package definition

import "time"

// MulticastGroup is the fixed reliable-multicast address from spec §6.
const MulticastGroup = "224.0.0.1:19999"

// Config bundles the runtime-tunable knobs that spec.md's design notes leave
// as implementation choices: ACK timeout, retry budget, tick interval.
type Config struct {
	// Interface is the local network interface used to derive this node's
	// advertised IP (spec §4.2 "own local IP").
	Interface string

	// MulticastGroup is the reliable-multicast group address (ip:port).
	MulticastGroup string

	// UnicastBindAddr is not read by NewUDPTransport, which always binds a
	// random TCP port on every interface (spec §6: "binds a random TCP port
	// for unicast").
	UnicastBindAddr string

	// TickInterval is the period of the scheduler's tick loop; every tick
	// runs, whether or not any thread is runnable (spec §4.5, "~100 ms").
	TickInterval time.Duration

	// PollInterval bounds how long the net handler blocks in socket poll
	// between outbound-queue drains (spec §4.2, "~100 ms").
	PollInterval time.Duration

	// AckTimeout bounds how long a unicast send waits for its reply (spec §9
	// open question: "There is no timeout on unicast replies... a stuck peer
	// must not freeze the Net handler" - resolved here with a default).
	AckTimeout time.Duration

	// MaxRetries bounds how many times an outbound packet is re-enqueued
	// after a RETRY reply before the send is reported as a hard failure
	// (spec §9 open question, resolved: bounded exponential backoff).
	MaxRetries int

	// RetryBaseDelay is the first backoff delay; it doubles (capped at
	// RetryMaxDelay) after each RETRY.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// ShutdownTimeout bounds how long the graceful shutdown sequence waits
	// for every known peer to ACK a SHUTDOWN_REQ, or for the peer table to
	// drain to a single entry, before giving up and closing anyway (spec §5
	// shutdown sequence).
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the configuration used when the CLI is not given
// overriding flags.
func DefaultConfig() Config {
	return Config{
		MulticastGroup:  MulticastGroup,
		TickInterval:    100 * time.Millisecond,
		PollInterval:    100 * time.Millisecond,
		AckTimeout:      3 * time.Second,
		MaxRetries:      5,
		RetryBaseDelay:  100 * time.Millisecond,
		RetryMaxDelay:   2 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}
