package types

import (
	"bytes"
	"encoding/json"
	"errors"
)

// PacketKind is the bit-encoded wire kind from spec §6. Even values are
// requests expecting a reply; odd values are replies or one-way multicast
// announcements.
type PacketKind byte

const (
	UNINIT PacketKind = 0x00

	DISCOVER_REQ PacketKind = 0x02
	DISCOVER_REP PacketKind = 0x03

	SHUTDOWN_REQ PacketKind = 0x04
	SHUTDOWN_ACK PacketKind = 0x05

	DISCOVER_THREAD_REQ PacketKind = 0x06
	DISCOVER_THREAD_REP PacketKind = 0x07

	THREAD_MESSAGE PacketKind = 0x08

	RUNTIME_STATUS_REQ PacketKind = 0x19
	RUNTIME_PRINT_REQ  PacketKind = 0x1A

	MIGRATE_THREAD       PacketKind = 0x20
	MIGRATION_COMPLETED  PacketKind = 0x21

	PRINT PacketKind = 0x80

	NACK  PacketKind = 0xFC
	RETRY PacketKind = 0xFE
	ACK   PacketKind = 0xFF
)

var kindNames = map[PacketKind]string{
	UNINIT:               "UNINIT",
	DISCOVER_REQ:         "DISCOVER_REQ",
	DISCOVER_REP:         "DISCOVER_REP",
	SHUTDOWN_REQ:         "SHUTDOWN_REQ",
	SHUTDOWN_ACK:         "SHUTDOWN_ACK",
	DISCOVER_THREAD_REQ:  "DISCOVER_THREAD_REQ",
	DISCOVER_THREAD_REP:  "DISCOVER_THREAD_REP",
	THREAD_MESSAGE:       "THREAD_MESSAGE",
	RUNTIME_STATUS_REQ:   "RUNTIME_STATUS_REQ",
	RUNTIME_PRINT_REQ:    "RUNTIME_PRINT_REQ",
	MIGRATE_THREAD:       "MIGRATE_THREAD",
	MIGRATION_COMPLETED:  "MIGRATION_COMPLETED",
	PRINT:                "PRINT",
	NACK:                 "NACK",
	RETRY:                "RETRY",
	ACK:                  "ACK",
}

func (k PacketKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// ErrReplyNotSupported is returned by ReplyKind for odd (reply/announce) kinds.
var ErrReplyNotSupported = errors.New("gridvm/types: packet kind has no reply kind")

// IsRequest reports whether this kind expects an ACK/NACK/RETRY reply.
func (k PacketKind) IsRequest() bool {
	return k&1 == 0
}

// ReplyKind returns k|1 for an even (request) kind, per spec §4.1.
func (k PacketKind) ReplyKind() (PacketKind, error) {
	if !k.IsRequest() {
		return 0, ErrReplyNotSupported
	}
	return k | 1, nil
}

// Packet is a typed control/data unit. Meta carries structured,
// JSON-serializable fields; Payload is an opaque binary blob.
type Packet struct {
	Kind    PacketKind
	Meta    map[string]interface{}
	Payload []byte
}

// NewPacket builds a packet with an empty metadata map ready to be filled in.
func NewPacket(kind PacketKind) Packet {
	return Packet{Kind: kind, Meta: make(map[string]interface{})}
}

// Get fetches a metadata field, returning (nil, false) if absent.
func (p Packet) Get(key string) (interface{}, bool) {
	v, ok := p.Meta[key]
	return v, ok
}

// Set assigns a metadata field, allocating the map if needed.
func (p *Packet) Set(key string, value interface{}) {
	if p.Meta == nil {
		p.Meta = make(map[string]interface{})
	}
	p.Meta[key] = value
}

// Hash lets packets be grouped by kind (spec §4.1). The net handler does
// not use it for echo suppression: it drops its own multicast echoes by the
// runtime_id stamped in each packet.
func (p Packet) Hash() PacketKind {
	return p.Kind
}

// Equal is structural equality: same kind, same metadata, same payload.
func (p Packet) Equal(other Packet) bool {
	if p.Kind != other.Kind {
		return false
	}
	if !bytes.Equal(p.Payload, other.Payload) {
		return false
	}
	pj, err1 := json.Marshal(p.Meta)
	oj, err2 := json.Marshal(other.Meta)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(pj, oj)
}
