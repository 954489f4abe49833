package router

import "github.com/freitascorp/agentrelayd/pkg/envelope"

// HandleEnvelope is the single entry point a transport calls for every
// inbound frame on connID, demultiplexing by kind. DELIVER is a
// router-to-client kind only and is rejected if it arrives inbound.
func (r *Router) HandleEnvelope(connID string, e envelope.Envelope) {
	switch e.Type {
	case envelope.KindSend:
		r.HandleSend(connID, e)
	case envelope.KindAck:
		r.HandleAck(connID, e)
	case envelope.KindChannelJoin:
		r.HandleChannelJoin(e)
	case envelope.KindChannelLeave:
		r.HandleChannelLeave(e)
	case envelope.KindChannelMessage:
		r.HandleChannelMessage(e)
	case envelope.KindDeliver:
		r.logger.Warn("deliver envelope received inbound, ignoring", "conn", connID, "id", e.ID)
	default:
		r.logger.Warn("unknown envelope kind", "conn", connID, "type", e.Type)
	}
}
