package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/fortress/core"
	"github.com/layer-3/fortress/ports"
	"github.com/layer-3/fortress/service"
)

// CookieConfig describes the session cookie
type CookieConfig struct {
	Name   string
	Secure bool
}

// Handlers contains HTTP handlers for the fortress endpoints
type Handlers struct {
	fortress     *service.FortressService
	bindings     *service.BindingService
	devices      *service.DeviceService
	vitalization *service.VitalizationService
	tokenizer    ports.SessionTokenizer
	cookie       CookieConfig
}

// NewHandlers creates new handlers
func NewHandlers(
	fortress *service.FortressService,
	bindings *service.BindingService,
	devices *service.DeviceService,
	vitalization *service.VitalizationService,
	tokenizer ports.SessionTokenizer,
	cookie CookieConfig,
) *Handlers {
	if cookie.Name == "" {
		cookie.Name = "pff_fortress_session"
	}
	return &Handlers{
		fortress:     fortress,
		bindings:     bindings,
		devices:      devices,
		vitalization: vitalization,
		tokenizer:    tokenizer,
		cookie:       cookie,
	}
}

// errorResponse maps an error to a status code and body
func errorResponse(err error) (int, gin.H) {
	switch {
	case errors.Is(err, core.ErrSourceBlocked):
		return http.StatusForbidden, gin.H{"error": "Blocked", "fraud": true}
	case errors.Is(err, core.ErrNonceBurned):
		return http.StatusForbidden, gin.H{"error": "Replay detected", "fraud": true}
	case errors.Is(err, core.ErrSessionMissing):
		return http.StatusForbidden, gin.H{"error": "No session", "fraud": true}
	case errors.Is(err, core.ErrClientDataInvalid):
		return http.StatusForbidden, gin.H{"error": "Invalid proof", "fraud": true}
	case errors.Is(err, core.ErrReplay):
		return http.StatusForbidden, gin.H{"error": "Challenge mismatch or expired", "fraud": true}
	case errors.Is(err, core.ErrNotVitalized):
		return http.StatusForbidden, gin.H{"error": "Identity is not vitalized"}
	case errors.Is(err, core.ErrDeviceLimitExceeded):
		return http.StatusConflict, gin.H{"error": err.Error()}
	case errors.Is(err, core.ErrDeviceMismatch):
		return http.StatusConflict, gin.H{"error": "Device is not the primary device"}
	case errors.Is(err, core.ErrBindingConflict):
		return http.StatusConflict, gin.H{"error": "Binding changed, retry"}
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest, gin.H{"error": err.Error()}
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, gin.H{"error": "Not found"}
	case errors.Is(err, core.ErrTransient):
		return http.StatusServiceUnavailable, gin.H{"error": "Temporarily unavailable"}
	default:
		return http.StatusInternalServerError, gin.H{"error": "Internal error"}
	}
}

func writeError(c *gin.Context, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, body)
}

// sessionID returns the session carried by a valid cookie, or ""
func (h *Handlers) sessionID(c *gin.Context) string {
	token, err := c.Cookie(h.cookie.Name)
	if err != nil || token == "" {
		return ""
	}
	sessionID, err := h.tokenizer.TokenToSession(token)
	if err != nil {
		slog.Debug("Ignoring invalid session cookie", "error", err)
		return ""
	}
	return sessionID
}

// Challenge issues a challenge for the caller's session, creating the session if needed
func (h *Handlers) Challenge(c *gin.Context) {
	challenge, err := h.fortress.IssueChallenge(c.Request.Context(), h.sessionID(c))
	if err != nil {
		writeError(c, err)
		return
	}

	ttl := h.fortress.ChallengeTTL()
	token, err := h.tokenizer.SessionToToken(challenge.SessionID, ttl)
	if err != nil {
		writeError(c, err)
		return
	}

	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(h.cookie.Name, token, int(ttl.Seconds()), "/", "", h.cookie.Secure, true)
	c.JSON(http.StatusOK, gin.H{
		"challenge": challenge.Value,
		"expiresIn": int(ttl.Seconds()),
	})
}

// SyncPresence verifies a presence proof
func (h *Handlers) SyncPresence(c *gin.Context) {
	var req struct {
		HandshakeID string `json:"handshakeId"`
		Address     string `json:"address"`
		Proof       struct {
			ClientDataJSON string `json:"clientDataJSON"`
		} `json:"proof"`
	}

	// blocked sources are refused before the body is read
	blocked, err := h.fortress.IsBlocked(c.Request.Context(), sourceOf(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if blocked {
		writeError(c, core.ErrSourceBlocked)
		return
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid body"})
		return
	}

	err = h.fortress.SyncPresence(c.Request.Context(), core.PresenceProof{
		Source:         sourceOf(c),
		SessionID:      h.sessionID(c),
		HandshakeID:    req.HandshakeID,
		ClientDataJSON: req.Proof.ClientDataJSON,
		Address:        req.Address,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Attestation reports whether an address completed a presence handshake
func (h *Handlers) Attestation(c *gin.Context) {
	address := c.Param("address")
	attested, err := h.fortress.IsAttested(c.Request.Context(), address)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"address": address, "attested": attested})
}

// DeviceHandshake derives and records the caller's device fingerprint
func (h *Handlers) DeviceHandshake(c *gin.Context) {
	var req struct {
		IdentityKey    string `json:"identityKey"`
		ClientMetadata string `json:"clientMetadata"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if req.ClientMetadata == "" {
		req.ClientMetadata = c.Request.UserAgent()
	}

	fp, err := h.devices.Handshake(c.Request.Context(), req.IdentityKey, req.ClientMetadata)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, fp)
}

// Devices lists the devices seen for an identity
func (h *Handlers) Devices(c *gin.Context) {
	records, err := h.devices.Devices(c.Request.Context(), c.Param("identityKey"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"devices": records})
}

// Commitment returns the stored sovereign root of an identity
func (h *Handlers) Commitment(c *gin.Context) {
	commitment, err := h.vitalization.Commitment(c.Request.Context(), c.Param("identityKey"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, commitment)
}

type bindingRequest struct {
	IdentityKey string `json:"identityKey"`
	DeviceID    string `json:"deviceId"`
	Outcome     string `json:"outcome"`
}

func (h *Handlers) bindingCall(c *gin.Context, call func(ctx context.Context, req bindingRequest) (core.BindingCheck, error)) {
	var req bindingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	check, err := call(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, check)
}

// CheckBinding compares a device with the identity's binding
func (h *Handlers) CheckBinding(c *gin.Context) {
	h.bindingCall(c, func(ctx context.Context, req bindingRequest) (core.BindingCheck, error) {
		return h.bindings.Check(ctx, req.IdentityKey, req.DeviceID)
	})
}

// Bind binds a device when the identity has none
func (h *Handlers) Bind(c *gin.Context) {
	h.bindingCall(c, func(ctx context.Context, req bindingRequest) (core.BindingCheck, error) {
		return h.bindings.Bind(ctx, req.IdentityKey, req.DeviceID)
	})
}

// ResolveBinding applies the user's answer to a mismatch
func (h *Handlers) ResolveBinding(c *gin.Context) {
	h.bindingCall(c, func(ctx context.Context, req bindingRequest) (core.BindingCheck, error) {
		outcome, err := core.ParseBindingOutcome(req.Outcome)
		if err != nil {
			return core.BindingCheck{}, err
		}
		return h.bindings.Resolve(ctx, req.IdentityKey, req.DeviceID, outcome)
	})
}

// Terminate asks a device to drop its session
func (h *Handlers) Terminate(c *gin.Context) {
	var req struct {
		DeviceID string `json:"deviceId"`
		Reason   string `json:"reason"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	event, err := h.bindings.RequestTerminate(c.Request.Context(), req.DeviceID, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"eventId": event.ID})
}

// Terminations streams termination events for a device as server-sent events
func (h *Handlers) Terminations(c *gin.Context) {
	ctx := c.Request.Context()
	deviceID := c.Param("deviceId")
	events := make(chan core.TerminationEvent, 8)

	err := h.bindings.SubscribeTerminations(ctx, deviceID, func(ctx context.Context, e core.TerminationEvent) error {
		select {
		case events <- e:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent("ready", gin.H{"deviceId": deviceID})
	c.Writer.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case e := <-events:
			c.SSEvent("terminate", e)
			return true
		case <-keepAlive.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// Vitalize runs the identity pipeline
func (h *Handlers) Vitalize(c *gin.Context) {
	var req struct {
		IdentityKey     string `json:"identityKey"`
		DeviceID        string `json:"deviceId"`
		FaceHash        string `json:"faceHash"`
		DeviceHash      string `json:"deviceHash"`
		PalmHash        string `json:"palmHash"`
		PhoneAnchorHash string `json:"phoneAnchorHash"`
		Phone           string `json:"phone"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	res, err := h.vitalization.Vitalize(c.Request.Context(), service.VitalizeRequest{
		IdentityKey:     req.IdentityKey,
		DeviceID:        req.DeviceID,
		FaceHash:        req.FaceHash,
		DeviceHash:      req.DeviceHash,
		PalmHash:        req.PalmHash,
		PhoneAnchorHash: req.PhoneAnchorHash,
		Phone:           req.Phone,
	})
	if err != nil {
		status, body := errorResponse(err)
		body["state"] = res.State
		if res.Binding.Decision != "" {
			body["decision"] = res.Binding.Decision
		}
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId":     res.SessionID,
		"state":         res.State,
		"scheme":        res.Scheme,
		"sovereignRoot": res.SovereignRoot,
		"decision":      res.Binding.Decision,
	})
}
