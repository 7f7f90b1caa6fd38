package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/docavailable/webrtc-signaling/internal/models"
)

// Call states mirrored from inbound lifecycle messages. The backend stays
// authoritative for session status; these only scope in-memory call state.
const (
	callRinging  = "ringing"
	callAnswered = "answered"
	callActive   = "active"
)

// route dispatches one inbound frame. Malformed input is answered with a
// sender-only error frame and never affects other participants; unrecognized
// types are logged and dropped.
func (c *client) route(raw []byte) {
	env, err := models.Decode(raw)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to parse message")
		c.sendError("Invalid message format")
		return
	}

	if env.Type == models.TypeUnknown {
		c.srv.metrics.MessageReceived("unknown")
		c.log.Info().Str("type", env.RawType()).Msg("ignoring unknown message type")
		return
	}
	c.srv.metrics.MessageReceived(string(env.Type))

	env.Stamp(c.sessionKey, c.member.UserID)

	switch env.Type {
	case models.TypePing:
		c.send(models.New(models.TypePong, nil))

	case models.TypeOffer:
		c.handleOffer(env)

	case models.TypeAnswer:
		c.session.SetCallStatus(callAnswered)
		c.relayToOthers(env)

	case models.TypeICECandidate:
		c.handleICECandidate(env)

	case models.TypeCallAnswered:
		c.session.SetCallStatus(callAnswered)
		c.relayToOthers(env)

	case models.TypeCallStarted:
		c.session.SetCallStatus(callActive)
		c.relayToAll(env)

	case models.TypeCallRejected, models.TypeCallEnded, models.TypeCallTimeout:
		// Terminal call events release negotiation state immediately so a
		// reconnect to the same session starts a fresh negotiation.
		c.relayToOthers(env)
		c.srv.reg.ReleaseCallState(c.sessionKey)

	case models.TypeChatMessage:
		c.handleChatMessage(env)

	case models.TypeTypingIndicator, models.TypeMessageRead,
		models.TypeMediaToggle, models.TypeCameraSwitch:
		c.relayToOthers(env)

	case models.TypeSessionStatusRequest:
		c.handleSessionStatus()

	case models.TypeSessionEndRequest:
		c.handleSessionEnd(env)

	case models.TypeAppointmentStartRequest:
		c.handleAppointmentStart()

	case models.TypeResendOfferRequest:
		c.relayToAll(env)

	default:
		c.log.Info().Str("type", string(env.Type)).Msg("no handler for message type")
	}
}

func (c *client) handleOffer(env *models.Envelope) {
	fingerprint := env.OfferFingerprint()
	if c.srv.reg.Offers.Duplicate(c.sessionKey, c.member.UserID, fingerprint) {
		c.srv.metrics.DuplicateOffer()
		c.log.Warn().Str("fingerprint", fingerprint).Msg("duplicate offer dropped")
		return
	}

	c.session.SetCallStatus(callRinging)
	c.relayToOthers(env)

	if notify := c.srv.OnIncomingCall; notify != nil {
		callType := env.String("callType")
		if callType == "" {
			callType = c.callType
		}
		notify(c.sessionKey, c.member.UserID, callType)
	}
}

func (c *client) handleICECandidate(env *models.Envelope) {
	frame, err := env.Encode()
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode ICE candidate")
		return
	}
	c.session.BufferICE(c.member.UserID, frame)
	sent := c.session.BroadcastOthers(c.member.ConnID, frame)
	c.srv.metrics.MessageBroadcast(string(models.TypeICECandidate), sent)
}

// handleChatMessage persists the message through the backend, then fans the
// canonical record out to every participant, the sender included, so its
// other devices converge. Persistence failure is reported to the sender only.
func (c *client) handleChatMessage(env *models.Envelope) {
	body := env.Object("message")
	if body == nil {
		c.sendError("Invalid message format")
		return
	}

	payload := map[string]any{
		"message":      body["message"],
		"message_type": body["message_type"],
	}
	for _, k := range []string{"media_url", "temp_id"} {
		if v, ok := body[k]; ok {
			payload[k] = v
		}
	}
	if id, ok := body["id"]; ok {
		payload["message_id"] = id
	}

	ctx, cancel := c.backendContext()
	defer cancel()
	record, err := c.srv.api.PersistChatMessage(ctx, c.sessionKey, payload, c.member.AuthToken)
	c.srv.metrics.BackendRequest("persist_message", err)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to persist chat message")
		c.sendError("Failed to send message")
		return
	}

	c.broadcastAll(models.New(models.TypeChatMessage, map[string]any{
		"appointmentId": c.sessionKey,
		"message":       json.RawMessage(record),
	}))
}

// handleSessionStatus relays the backend's canonical status to the asking
// participant. On backend failure a synthesized fallback status is returned
// instead of an error so polling UIs never stall; billing truth stays with
// the backend either way.
func (c *client) handleSessionStatus() {
	ctx, cancel := c.backendContext()
	defer cancel()
	data, err := c.srv.api.SessionStatus(ctx, c.sessionKey, c.member.AuthToken)
	c.srv.metrics.BackendRequest("session_status", err)

	if err != nil {
		c.log.Warn().Err(err).Msg("status check failed, sending fallback")
		c.send(models.New(models.TypeSessionStatusResponse, map[string]any{
			"appointmentId": c.sessionKey,
			"sessionData":   map[string]any{"status": "active", "is_active": true},
			"fallback":      true,
			"timestamp":     time.Now().UTC().Format(time.RFC3339),
		}))
		return
	}

	c.send(models.New(models.TypeSessionStatusResponse, map[string]any{
		"appointmentId": c.sessionKey,
		"sessionData":   json.RawMessage(data),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}))
}

func (c *client) handleSessionEnd(env *models.Envelope) {
	reason := env.String("reason")
	if reason == "" {
		reason = "manual_end"
	}

	ctx, cancel := c.backendContext()
	defer cancel()
	_, err := c.srv.api.EndSession(ctx, c.sessionKey, reason, c.member.AuthToken)
	c.srv.metrics.BackendRequest("end_session", err)
	if err != nil {
		// Relayed, not swallowed: a second end request surfaces the
		// backend's already-ended error to the requester.
		c.log.Error().Err(err).Msg("failed to end session")
		c.sendError("Failed to end session")
		return
	}

	c.broadcastAll(models.New(models.TypeSessionEnded, map[string]any{
		"appointmentId": c.sessionKey,
		"reason":        reason,
		"endedAt":       time.Now().UTC().Format(time.RFC3339),
	}))
}

func (c *client) handleAppointmentStart() {
	ctx, cancel := c.backendContext()
	defer cancel()
	_, err := c.srv.api.StartAppointment(ctx, c.sessionKey, c.member.AuthToken)
	c.srv.metrics.BackendRequest("start_appointment", err)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to start appointment")
		c.sendError("Failed to start appointment")
		return
	}

	c.broadcastAll(models.New(models.TypeAppointmentStarted, map[string]any{
		"appointmentId": c.sessionKey,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}))
}

func (c *client) relayToOthers(env *models.Envelope) {
	frame, err := env.Encode()
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode frame")
		return
	}
	sent := c.session.BroadcastOthers(c.member.ConnID, frame)
	c.srv.metrics.MessageBroadcast(string(env.Type), sent)
}

func (c *client) relayToAll(env *models.Envelope) {
	c.broadcastAll(env)
}

func (c *client) broadcastAll(env *models.Envelope) {
	frame, err := env.Encode()
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode frame")
		return
	}
	sent := c.session.BroadcastAll(frame)
	c.srv.metrics.MessageBroadcast(string(env.Type), sent)
}

func (c *client) backendContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.srv.cfg.APITimeout)
}
