package notify

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parcelmarket/escrowd/internal/idgen"
	"github.com/parcelmarket/escrowd/internal/logging"
	"github.com/parcelmarket/escrowd/internal/validation"
)

// Handler manages webhook subscriptions over HTTP.
type Handler struct {
	store Store
}

// NewHandler creates the handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts the subscription endpoints on the /notify group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/subscriptions/:walletAddress", h.Create)
	r.GET("/subscriptions/:walletAddress", h.List)
	r.DELETE("/subscriptions/:walletAddress/:subscriptionId", h.Delete)
}

type createRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// Create handles POST /notify/subscriptions/:walletAddress. The secret
// is returned once and never again.
func (h *Handler) Create(c *gin.Context) {
	wallet := c.Param("walletAddress")
	if !validation.IsAddress(wallet) {
		writeValidationError(c, "walletAddress must be a valid wallet address")
		return
	}

	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeValidationError(c, "invalid request body: "+err.Error())
		return
	}
	for _, e := range req.Events {
		if !knownEvent(e) {
			writeValidationError(c, "unknown event type: "+e)
			return
		}
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		Wallet:    validation.NormalizeAddress(wallet),
		URL:       req.URL,
		Secret:    newSecret(),
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		writeInternalError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data": gin.H{
			"subscription": sub,
			"secret":       sub.Secret,
			"signatureHeader": gin.H{
				"name":   "X-Escrowd-Signature",
				"scheme": "hex(HMAC-SHA256(payload, secret))",
			},
		},
	})
}

// List handles GET /notify/subscriptions/:walletAddress.
func (h *Handler) List(c *gin.Context) {
	wallet := c.Param("walletAddress")
	if !validation.IsAddress(wallet) {
		writeValidationError(c, "walletAddress must be a valid wallet address")
		return
	}

	subs, err := h.store.ListByWallet(c.Request.Context(), validation.NormalizeAddress(wallet))
	if err != nil {
		writeInternalError(c, err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"subscriptions": subs}})
}

// Delete handles DELETE /notify/subscriptions/:walletAddress/:subscriptionId.
// The subscription must belong to the wallet in the path.
func (h *Handler) Delete(c *gin.Context) {
	wallet := validation.NormalizeAddress(c.Param("walletAddress"))
	id := c.Param("subscriptionId")

	sub, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if sub.Wallet != wallet {
		c.JSON(http.StatusForbidden, gin.H{
			"success": false,
			"error":   "unauthorized",
			"message": "subscription belongs to another wallet",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"deleted": id}})
}

func knownEvent(event string) bool {
	for _, e := range KnownEvents {
		if e == event {
			return true
		}
	}
	return false
}

func newSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func writeValidationError(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   "validation_error",
		"message": msg,
	})
}

func writeError(c *gin.Context, err error) {
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "not_found",
			"message": err.Error(),
		})
		return
	}
	writeInternalError(c, err)
}

func writeInternalError(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("unhandled notify error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"error":   "internal_error",
		"message": "internal error",
	})
}
