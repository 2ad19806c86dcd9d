package protocol

import "github.com/jabolina/gridvm/pkg/gridvm/types"

// SenderInfo is the sender identity every request packet implicitly carries
// (spec §3: "All request packets implicitly carry the sender's ip, port,
// and runtime_id").
type SenderInfo struct {
	IP        string
	Port      int
	RuntimeID types.RuntimeID
}

// NewRequest builds a request packet and stamps it with the sender's identity.
func NewRequest(kind types.PacketKind, sender SenderInfo) types.Packet {
	pkt := types.NewPacket(kind)
	stamp(&pkt, sender)
	return pkt
}

// NewReply builds a bare reply/announcement packet (ACK, NACK, RETRY, or a
// one-way multicast announcement) and stamps it with the sender's identity.
func NewReply(kind types.PacketKind, sender SenderInfo) types.Packet {
	pkt := types.NewPacket(kind)
	stamp(&pkt, sender)
	return pkt
}

func stamp(pkt *types.Packet, sender SenderInfo) {
	pkt.Set("ip", sender.IP)
	pkt.Set("port", sender.Port)
	pkt.Set("runtime_id", string(sender.RuntimeID))
}

// ExtractSender reads back the sender identity stamped by NewRequest/NewReply.
func ExtractSender(pkt types.Packet) (SenderInfo, bool) {
	ip, ok1 := pkt.Get("ip")
	port, ok2 := pkt.Get("port")
	runtimeID, ok3 := pkt.Get("runtime_id")
	if !ok1 || !ok2 || !ok3 {
		return SenderInfo{}, false
	}

	ipStr, _ := ip.(string)
	runtimeStr, _ := runtimeID.(string)

	var portInt int
	switch v := port.(type) {
	case int:
		portInt = v
	case float64: // json.Unmarshal into interface{} decodes numbers as float64
		portInt = int(v)
	default:
		return SenderInfo{}, false
	}

	return SenderInfo{IP: ipStr, Port: portInt, RuntimeID: types.RuntimeID(runtimeStr)}, true
}

// ReplyKind is a thin policy wrapper over types.PacketKind.ReplyKind: kept
// here (not in types) because "which kind replies to which" is protocol
// policy, not a data shape, mirroring the teacher's protocol.go holding RPC
// header policy separately from its types package.
func ReplyKind(kind types.PacketKind) (types.PacketKind, error) {
	return kind.ReplyKind()
}
