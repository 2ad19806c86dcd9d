// Package protocol implements the GridVM wire format: framing packets for
// the net handler's sockets and the reply-kind policy of spec §4.1.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/jabolina/gridvm/pkg/gridvm/types"
)

// HeaderSize is the fixed 5-byte header: kind(1) + total_length(2) + meta_offset(2).
const HeaderSize = 5

// ChecksumSize is the trailing checksum placeholder (spec §4.1: "implicit
// checksum placeholder" - no algorithm is specified, so it is a fixed
// all-zero trailer kept only for wire-format compatibility).
const ChecksumSize = 4

var checksumPlaceholder = [ChecksumSize]byte{}

// EncodePacket serializes a packet to its wire representation. Encoding is
// deterministic: encoding/json already emits object keys in sorted order.
func EncodePacket(pkt types.Packet) ([]byte, error) {
	meta := pkt.Meta
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("gridvm/protocol: marshal metadata: %w", err)
	}
	if len(metaBytes) > 0xFFFF {
		return nil, fmt.Errorf("gridvm/protocol: metadata too large (%d bytes)", len(metaBytes))
	}

	totalLength := HeaderSize + len(metaBytes) + len(pkt.Payload)
	if totalLength > 0xFFFF {
		return nil, fmt.Errorf("gridvm/protocol: packet too large (%d bytes)", totalLength)
	}

	buf := make([]byte, 0, totalLength+ChecksumSize)
	buf = append(buf, byte(pkt.Kind))
	buf = binary.BigEndian.AppendUint16(buf, uint16(totalLength))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(metaBytes)))
	buf = append(buf, metaBytes...)
	buf = append(buf, pkt.Payload...)
	buf = append(buf, checksumPlaceholder[:]...)
	return buf, nil
}

// DecodePacket is the inverse of EncodePacket. It tolerates an empty
// metadata object (spec §4.1).
func DecodePacket(buf []byte) (types.Packet, error) {
	if len(buf) < HeaderSize+ChecksumSize {
		return types.Packet{}, fmt.Errorf("gridvm/protocol: buffer too short (%d bytes)", len(buf))
	}

	kind := types.PacketKind(buf[0])
	totalLength := int(binary.BigEndian.Uint16(buf[1:3]))
	metaOffset := int(binary.BigEndian.Uint16(buf[3:5]))

	if totalLength < HeaderSize || totalLength > len(buf)-ChecksumSize {
		return types.Packet{}, fmt.Errorf("gridvm/protocol: inconsistent total_length %d", totalLength)
	}
	if HeaderSize+metaOffset > totalLength {
		return types.Packet{}, fmt.Errorf("gridvm/protocol: inconsistent meta_offset %d", metaOffset)
	}

	metaBytes := buf[HeaderSize : HeaderSize+metaOffset]
	payload := buf[HeaderSize+metaOffset : totalLength]

	meta := map[string]interface{}{}
	if len(metaBytes) > 0 {
		if err := json.Unmarshal(metaBytes, &meta); err != nil {
			// spec: decoding "tolerates an empty metadata object" on malformed
			// or absent metadata rather than failing the whole packet.
			meta = map[string]interface{}{}
		}
	}

	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	return types.Packet{Kind: kind, Meta: meta, Payload: payloadCopy}, nil
}
