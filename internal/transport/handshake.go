package transport

import (
	"encoding/base64"

	"go.uber.org/zap"

	"github.com/outposthq/outpost/internal/auth"
)

// authHandshake holds the per-connection SRP state between hello and proof.
type authHandshake struct {
	session          *auth.ServerSession
	identity         string
	browserProfileID string
	origin           string
}

func (c *Conn) handleHello(msg *WireMessage) bool {
	c.mu.Lock()
	if c.phase != phaseHello {
		c.mu.Unlock()
		c.sendPlain(&WireMessage{
			Type: TypeSRPError, Code: SRPErrServerError,
			Message: "out-of-order handshake message",
		})
		return true
	}
	c.mu.Unlock()

	cred, err := c.srv.creds.Get()
	if err != nil {
		c.logger.Error("credential load failed", zap.Error(err))
		c.sendPlain(&WireMessage{Type: TypeSRPError, Code: SRPErrServerError, Message: "internal error"})
		return true
	}
	if cred == nil || cred.Username != msg.Identity {
		c.sendPlain(&WireMessage{
			Type: TypeSRPError, Code: SRPErrInvalidIdentity,
			Message: "unknown identity",
		})
		return true
	}

	salt, verifier, err := cred.SaltVerifier()
	if err != nil {
		c.logger.Error("credential decode failed", zap.Error(err))
		c.sendPlain(&WireMessage{Type: TypeSRPError, Code: SRPErrServerError, Message: "internal error"})
		return true
	}
	srp, err := auth.NewServerSession(cred.Username, salt, verifier)
	if err != nil {
		c.logger.Error("handshake setup failed", zap.Error(err))
		c.sendPlain(&WireMessage{Type: TypeSRPError, Code: SRPErrServerError, Message: "internal error"})
		return true
	}

	c.mu.Lock()
	c.phase = phaseProof
	c.srp = &authHandshake{
		session:          srp,
		identity:         cred.Username,
		browserProfileID: msg.BrowserProfileID,
		origin:           string(msg.OriginMetadata),
	}
	c.mu.Unlock()

	c.sendPlain(&WireMessage{
		Type: TypeSRPChallenge,
		Salt: base64.StdEncoding.EncodeToString(srp.Salt()),
		B:    base64.StdEncoding.EncodeToString(srp.B()),
	})
	return true
}

func (c *Conn) handleProof(msg *WireMessage) bool {
	c.mu.Lock()
	hs := c.srp
	phase := c.phase
	c.mu.Unlock()

	if phase != phaseProof || hs == nil {
		c.sendPlain(&WireMessage{
			Type: TypeSRPError, Code: SRPErrServerError,
			Message: "out-of-order handshake message",
		})
		return true
	}

	a, errA := base64.StdEncoding.DecodeString(msg.A)
	m1, errM := base64.StdEncoding.DecodeString(msg.M1)
	if errA != nil || errM != nil {
		c.sendPlain(&WireMessage{Type: TypeSRPError, Code: SRPErrInvalidProof, Message: "malformed proof"})
		return true
	}

	m2, key, err := hs.session.VerifyProof(a, m1)
	if err != nil {
		c.logger.Warn("proof verification failed", zap.String("identity", hs.identity))
		c.sendPlain(&WireMessage{Type: TypeSRPError, Code: SRPErrInvalidProof, Message: "authentication failed"})
		// Allow the client to restart the handshake.
		c.mu.Lock()
		c.phase = phaseHello
		c.srp = nil
		c.mu.Unlock()
		return true
	}

	rec, err := c.srv.sessions.Create(hs.identity, key, auth.SessionRecord{
		BrowserProfileID: hs.browserProfileID,
		Origin:           hs.origin,
	})
	if err != nil {
		c.logger.Error("session persist failed", zap.Error(err))
		c.sendPlain(&WireMessage{Type: TypeSRPError, Code: SRPErrServerError, Message: "internal error"})
		return true
	}

	c.mu.Lock()
	c.phase = phaseReady
	c.srp = nil
	c.identity = hs.identity
	c.sessionKey = key
	c.authSessionID = rec.SessionID
	c.mu.Unlock()

	c.sendPlain(&WireMessage{
		Type:      TypeSRPVerify,
		M2:        base64.StdEncoding.EncodeToString(m2),
		SessionID: rec.SessionID,
	})
	c.logger.Info("client authenticated", zap.String("identity", hs.identity))
	return true
}

func (c *Conn) handleResume(msg *WireMessage) bool {
	c.mu.Lock()
	if c.phase == phaseReady {
		c.mu.Unlock()
		c.sendPlain(&WireMessage{
			Type: TypeSRPError, Code: SRPErrServerError,
			Message: "handshake already complete",
		})
		return true
	}
	c.mu.Unlock()

	rec, err := c.srv.sessions.Get(msg.SessionID)
	if err != nil {
		c.logger.Error("session load failed", zap.Error(err))
		c.sendPlain(&WireMessage{Type: TypeSRPInvalid, Reason: "server_error"})
		return true
	}
	if rec == nil || rec.Username != msg.Identity {
		c.sendPlain(&WireMessage{Type: TypeSRPInvalid, Reason: "unknown_session"})
		return true
	}

	key, err := rec.Key()
	if err != nil || !auth.VerifyResumeProof(key, msg.Identity, msg.SessionID, msg.Proof) {
		c.sendPlain(&WireMessage{Type: TypeSRPInvalid, Reason: "invalid_proof"})
		return true
	}

	if err := c.srv.sessions.Touch(rec.SessionID); err != nil {
		c.logger.Warn("session touch failed", zap.Error(err))
	}

	c.mu.Lock()
	c.phase = phaseReady
	c.identity = rec.Username
	c.sessionKey = key
	c.authSessionID = rec.SessionID
	c.mu.Unlock()

	c.sendPlain(&WireMessage{Type: TypeSRPResumed, SessionID: rec.SessionID})
	c.logger.Info("client resumed", zap.String("identity", rec.Username))
	return true
}
