package handlers

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chatlink/chatlink/internal/auth"
	"github.com/chatlink/chatlink/internal/middleware"
	"github.com/chatlink/chatlink/pkg/errors"
	"github.com/chatlink/chatlink/pkg/response"
)

type account struct {
	UserID       string
	Username     string
	PasswordHash string
}

// AuthHandler grants chat identities. Accounts live in memory alongside the
// rest of the relay state.
type AuthHandler struct {
	jwt *auth.JWTService

	mu       sync.RWMutex
	accounts map[string]account
}

func NewAuthHandler(jwt *auth.JWTService) *AuthHandler {
	return &AuthHandler{
		jwt:      jwt,
		accounts: make(map[string]account),
	}
}

type credentialsRequest struct {
	Username string `json:"username" binding:"required,min=1,max=64"`
	Password string `json:"password" binding:"required,min=4"`
}

type tokenResponse struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

// Register creates an account and returns a fresh identity token.
func (h *AuthHandler) Register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errors.NewBadRequest("username and password are required"))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		response.Error(c, errors.Wrap(err, "hash password"))
		return
	}

	h.mu.Lock()
	if _, exists := h.accounts[req.Username]; exists {
		h.mu.Unlock()
		response.Error(c, errors.New("USERNAME_TAKEN", "Username is already registered", http.StatusConflict))
		return
	}
	acct := account{
		UserID:       uuid.NewString(),
		Username:     req.Username,
		PasswordHash: hash,
	}
	h.accounts[req.Username] = acct
	h.mu.Unlock()

	h.issue(c, acct, http.StatusCreated)
}

// Token verifies credentials and returns a new token for an existing account.
func (h *AuthHandler) Token(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errors.NewBadRequest("username and password are required"))
		return
	}

	h.mu.RLock()
	acct, ok := h.accounts[req.Username]
	h.mu.RUnlock()

	if !ok || !auth.ComparePassword(acct.PasswordHash, req.Password) {
		response.Error(c, errors.ErrInvalidCredentials)
		return
	}

	h.issue(c, acct, http.StatusOK)
}

// Me echoes the identity carried by the bearer token.
func (h *AuthHandler) Me(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{
		"userId":   c.GetString(middleware.CtxUserIDKey),
		"username": c.GetString(middleware.CtxUsernameKey),
	})
}

func (h *AuthHandler) issue(c *gin.Context, acct account, status int) {
	token, err := h.jwt.GenerateToken(acct.UserID, acct.Username)
	if err != nil {
		response.Error(c, errors.Wrap(err, "issue token"))
		return
	}
	response.Success(c, status, tokenResponse{
		UserID:   acct.UserID,
		Username: acct.Username,
		Token:    token,
	})
}
