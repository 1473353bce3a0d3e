package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
	"github.com/ZentaChain/zentalk-sync/pkg/storage"
)

const maxLabelLength = 64

// SessionRequest asks for a session token
type SessionRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	UserID    string `json:"user_id" binding:"required"`
}

// SessionResponse carries a session token
type SessionResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// CreateConversationRequest opens a conversation
type CreateConversationRequest struct {
	ID           string                 `json:"id,omitempty"`
	Participants []protocol.Fingerprint `json:"participants"`
}

// ProfileRequest updates the caller's profile
type ProfileRequest struct {
	DisplayName string `json:"displayName" binding:"required"`
}

// respondError maps store and validation errors to a status and code.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		abortWithError(c, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, storage.ErrForbidden):
		abortWithError(c, http.StatusForbidden, CodeForbidden, err.Error())
	case errors.Is(err, storage.ErrIdentityLimit):
		abortWithError(c, http.StatusConflict, CodeCapacity, err.Error())
	case errors.Is(err, storage.ErrIdentityExists), errors.Is(err, storage.ErrConversationExists):
		abortWithError(c, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, protocol.ErrValidation):
		abortWithError(c, http.StatusBadRequest, CodeValidation, err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
		abortWithError(c, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

// callerIdentity resolves the ?identity= query parameter to an identity
// owned by the session's account.
func (s *Server) callerIdentity(c *gin.Context) (*protocol.Identity, bool) {
	id := c.Query("identity")
	if id == "" {
		abortWithError(c, http.StatusBadRequest, CodeValidation, "identity query parameter is required")
		return nil, false
	}
	ident, err := s.db.GetIdentity(id)
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	if ident.AccountID != sessionClaims(c).AccountID {
		abortWithError(c, http.StatusForbidden, CodeForbidden, "identity belongs to another account")
		return nil, false
	}
	return ident, true
}

// participantOf checks that fp takes part in the :id conversation.
func (s *Server) participantOf(c *gin.Context, fp protocol.Fingerprint) (string, bool) {
	convID := c.Param("id")
	ok, err := s.db.IsParticipant(convID, fp)
	if err != nil {
		s.respondError(c, err)
		return "", false
	}
	if !ok {
		abortWithError(c, http.StatusForbidden, CodeForbidden, "not a participant")
		return "", false
	}
	return convID, true
}

// ===== SESSION =====

func (s *Server) handleSession(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	token, expiresAt, err := s.tokens.Issue(req.AccountID, req.UserID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SessionResponse{Token: token, ExpiresAt: expiresAt.UnixMilli()})
}

// ===== IDENTITIES =====

func (s *Server) handleListIdentities(c *gin.Context) {
	ids, err := s.db.GetIdentities(sessionClaims(c).AccountID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ids)
}

func (s *Server) handleRegisterIdentity(c *gin.Context) {
	var ident protocol.Identity
	if err := c.ShouldBindJSON(&ident); err != nil {
		abortWithError(c, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	if ident.Fingerprint.IsZero() {
		abortWithError(c, http.StatusBadRequest, CodeValidation, "fingerprint is required")
		return
	}
	ident.Label = strings.TrimSpace(ident.Label)
	if len(ident.Label) > maxLabelLength {
		abortWithError(c, http.StatusBadRequest, CodeValidation, "label too long")
		return
	}

	if ident.ID == "" {
		ident.ID = uuid.NewString()
	}
	ident.AccountID = sessionClaims(c).AccountID
	ident.Restricted = false
	ident.CreatedAt = s.clock.Now().UnixMilli()

	if err := s.db.SaveIdentity(&ident); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ident)
}

func (s *Server) handleDeleteIdentity(c *gin.Context) {
	if err := s.db.DeleteIdentity(sessionClaims(c).AccountID, c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ===== PROFILE =====

func (s *Server) handleGetProfile(c *gin.Context) {
	claims := sessionClaims(c)
	p, err := s.db.GetProfile(claims.Subject)
	if errors.Is(err, storage.ErrNotFound) {
		p = &protocol.Profile{UserID: claims.Subject, AccountID: claims.AccountID, DisplayName: claims.Subject}
	} else if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleUpdateProfile(c *gin.Context) {
	var req ProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	claims := sessionClaims(c)
	p := &protocol.Profile{
		UserID:      claims.Subject,
		AccountID:   claims.AccountID,
		DisplayName: req.DisplayName,
		UpdatedAt:   s.clock.Now().UnixMilli(),
	}
	if err := s.db.SaveProfile(p); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// ===== CONVERSATIONS =====

func (s *Server) handleListConversations(c *gin.Context) {
	ident, ok := s.callerIdentity(c)
	if !ok {
		return
	}
	convs, err := s.db.GetConversations(ident.Fingerprint)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, convs)
}

func (s *Server) handleCreateConversation(c *gin.Context) {
	ident, ok := s.callerIdentity(c)
	if !ok {
		return
	}
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	participants := []protocol.Fingerprint{ident.Fingerprint}
	for _, fp := range req.Participants {
		if fp.IsZero() {
			abortWithError(c, http.StatusBadRequest, CodeValidation, "empty participant fingerprint")
			return
		}
		if fp != ident.Fingerprint {
			participants = append(participants, fp)
		}
	}

	if err := s.db.CreateConversation(req.ID, participants, s.clock.Now().UnixMilli()); err != nil {
		s.respondError(c, err)
		return
	}
	conv, err := s.db.GetConversation(req.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// ===== MESSAGES =====

func (s *Server) handleListMessages(c *gin.Context) {
	ident, ok := s.callerIdentity(c)
	if !ok {
		return
	}
	convID, ok := s.participantOf(c, ident.Fingerprint)
	if !ok {
		return
	}
	msgs, err := s.db.GetConversationMessages(convID, s.clock.Now().UnixMilli(), s.config.MessageLimit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleCreateMessage(c *gin.Context) {
	ident, ok := s.callerIdentity(c)
	if !ok {
		return
	}
	convID, ok := s.participantOf(c, ident.Fingerprint)
	if !ok {
		return
	}
	var msg protocol.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		abortWithError(c, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	msg.ConversationID = convID
	if err := s.hub.accept(&msg, ident.Fingerprint); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) handleDeleteMessage(c *gin.Context) {
	ident, ok := s.callerIdentity(c)
	if !ok {
		return
	}
	convID, ok := s.participantOf(c, ident.Fingerprint)
	if !ok {
		return
	}
	if err := s.hub.remove(convID, c.Param("mid"), ident.Fingerprint); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ===== STATUS =====

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
