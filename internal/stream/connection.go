package stream

import (
	"context"
	"encoding/base64"
	"net"
	"time"

	"go.uber.org/zap"

	"evcentral/internal/models"
	"evcentral/internal/security"
	"evcentral/internal/wire"
)

const (
	authTimeout = 10 * time.Second
	readTimeout = 30 * time.Second
)

// Rejection reasons on the AUTH_ERR frame.
const (
	rejectUnknownDevice  = "UNKNOWN_DEVICE"
	rejectInactiveDevice = "INACTIVE_DEVICE"
	rejectBadSecret      = "BAD_SECRET"
	rejectProtocol       = "PROTOCOL_ERROR"
	rejectNoKey          = "NO_KEY"
)

// handleConn runs one monitor connection: handshake first, then frames until
// the peer goes away. A failed handshake creates no state at all.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()

	cpID, ok := s.authenticate(ctx, conn, peer)
	if !ok {
		return
	}

	if s.metrics != nil {
		s.metrics.ConnectedMonitors.Inc()
		defer s.metrics.ConnectedMonitors.Dec()
	}
	s.log.Info("monitor authenticated", zap.String("cp", cpID), zap.String("peer", peer))

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		raw, err := wire.ReadFrame(conn)
		if err != nil {
			s.log.Info("monitor connection closed", zap.String("cp", cpID), zap.Error(err))
			return
		}
		msg, err := wire.DecodeStreamFrame(raw)
		if err != nil {
			s.log.Warn("monitor frame dropped", zap.String("cp", cpID), zap.Error(err))
			continue
		}

		switch m := msg.(type) {
		case *wire.RegCP:
			s.orch.Register(ctx, m.CP, m.Loc, m.Price)
			s.ack(conn, cpID, "registered")
		case *wire.Heartbeat:
			s.orch.Heartbeat(ctx, m.CP, m.OK)
		case *wire.AuthCP:
			s.log.Warn("duplicate handshake frame ignored", zap.String("cp", cpID))
		default:
			s.log.Warn("unexpected monitor frame dropped", zap.String("cp", cpID))
		}
	}
}

// authenticate enforces the handshake: the first frame must be AUTH_CP with
// a secret matching the registered hash. On success the reply carries the
// device's symmetric key.
func (s *Server) authenticate(ctx context.Context, conn net.Conn, peer string) (string, bool) {
	conn.SetReadDeadline(time.Now().Add(authTimeout))
	raw, err := wire.ReadFrame(conn)
	if err != nil {
		s.log.Warn("handshake read failed", zap.String("peer", peer), zap.Error(err))
		return "", false
	}
	msg, err := wire.DecodeStreamFrame(raw)
	if err != nil {
		s.reject(conn, "", peer, rejectProtocol)
		return "", false
	}
	auth, ok := msg.(*wire.AuthCP)
	if !ok {
		s.reject(conn, "", peer, rejectProtocol)
		return "", false
	}
	cpID := models.CanonicalCPID(auth.CP)

	if !s.memoryOnly {
		device, err := s.store.LookupDeviceSecretAndStatus(ctx, cpID)
		if err != nil {
			s.log.Error("device lookup failed", zap.String("cp", cpID), zap.Error(err))
			s.reject(conn, cpID, peer, rejectUnknownDevice)
			return "", false
		}
		switch {
		case device == nil:
			s.reject(conn, cpID, peer, rejectUnknownDevice)
			return "", false
		case !device.Active:
			s.reject(conn, cpID, peer, rejectInactiveDevice)
			return "", false
		case !security.ConstantTimeEqualHex(device.SecretHash, security.HashSecret(auth.Secret)):
			s.reject(conn, cpID, peer, rejectBadSecret)
			return "", false
		}
	}

	key, err := s.store.GetOrIssueDeviceKey(ctx, cpID)
	if err != nil {
		s.log.Error("device key issuance failed", zap.String("cp", cpID), zap.Error(err))
		s.reject(conn, cpID, peer, rejectNoKey)
		return "", false
	}
	key = s.keys.Put(cpID, key)

	reply := wire.AuthOK{
		Type: wire.TypeAuthOK,
		CP:   cpID,
		Key:  base64.StdEncoding.EncodeToString(key),
		TS:   time.Now().UnixMilli(),
	}
	if err := wire.WriteFrame(conn, reply); err != nil {
		s.log.Warn("handshake reply failed", zap.String("cp", cpID), zap.Error(err))
		return "", false
	}
	if s.audit != nil {
		s.audit.Event("auth_accepted", map[string]interface{}{"cp": cpID, "peer": peer})
	}
	return cpID, true
}

func (s *Server) reject(conn net.Conn, cpID, peer, reason string) {
	if err := wire.WriteFrame(conn, wire.AuthErr{
		Type:   wire.TypeAuthErr,
		CP:     cpID,
		Reason: reason,
		TS:     time.Now().UnixMilli(),
	}); err != nil {
		s.log.Warn("rejection not delivered", zap.String("peer", peer), zap.Error(err))
	}
	if s.audit != nil {
		s.audit.Event("auth_rejected", map[string]interface{}{"cp": cpID, "peer": peer, "reason": reason})
	}
	s.log.Warn("monitor rejected", zap.String("cp", cpID), zap.String("peer", peer), zap.String("reason", reason))
}

func (s *Server) ack(conn net.Conn, cpID, msg string) {
	if err := wire.WriteFrame(conn, wire.Ack{Type: wire.TypeAck, Msg: msg, TS: time.Now().UnixMilli()}); err != nil {
		s.log.Debug("ack not delivered", zap.String("cp", cpID), zap.Error(err))
	}
}
