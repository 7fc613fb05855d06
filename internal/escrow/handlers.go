package escrow

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/parcelmarket/escrowd/internal/logging"
	"github.com/parcelmarket/escrowd/internal/settlement"
	"github.com/parcelmarket/escrowd/internal/validation"
)

// Handler exposes the escrow lifecycle over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates the handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the lifecycle endpoints on the /escrow group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/create-multi-seller", h.CreateMultiSeller)
	r.GET("/contract/:escrowId", h.GetContract)
	r.GET("/user/:walletAddress", h.GetUserContracts)
	r.POST("/release/:escrowId", h.Release)
	r.POST("/process-expired", h.ProcessExpired)
	r.GET("/stats", h.Stats)
}

type sellerGroupRequest struct {
	SellerID      string          `json:"sellerId"`
	SellerAddress string          `json:"sellerAddress"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	Currency      string          `json:"currency"`
}

type createMultiSellerRequest struct {
	OrderID          string               `json:"orderId"`
	BuyerAddress     string               `json:"buyerAddress"`
	OrderTotal       decimal.Decimal      `json:"orderTotal"`
	SellerGroups     []sellerGroupRequest `json:"sellerGroups"`
	AutoReleaseHours int                  `json:"autoReleaseHours"`
}

// CreateMultiSeller handles POST /escrow/create-multi-seller.
func (h *Handler) CreateMultiSeller(c *gin.Context) {
	var req createMultiSellerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeValidationError(c, "invalid request body: "+err.Error())
		return
	}

	groups := make([]SellerGroup, len(req.SellerGroups))
	for i, g := range req.SellerGroups {
		currency := g.Currency
		if currency == "" {
			currency = "USDC"
		}
		groups[i] = SellerGroup{
			SellerID:      validation.SanitizeString(g.SellerID),
			SellerAddress: g.SellerAddress,
			TotalAmount:   g.TotalAmount,
			Currency:      currency,
		}
	}

	result, err := h.service.CreateGroup(c.Request.Context(), CreateGroupRequest{
		OrderID:          validation.SanitizeString(req.OrderID),
		Buyer:            req.BuyerAddress,
		OrderTotal:       req.OrderTotal,
		SellerGroups:     groups,
		AutoReleaseHours: req.AutoReleaseHours,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data": gin.H{
			"orderId":        req.OrderID,
			"escrowGroups":   result.Escrows,
			"totalContracts": len(result.Escrows),
			"created":        result.Created,
			"totalAmount":    result.TotalAmount,
		},
	})
}

// GetContract handles GET /escrow/contract/:escrowId.
func (h *Handler) GetContract(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("escrowId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": e})
}

// GetUserContracts handles GET /escrow/user/:walletAddress?role=.
func (h *Handler) GetUserContracts(c *gin.Context) {
	wallet := c.Param("walletAddress")
	if !validation.IsAddress(wallet) {
		writeValidationError(c, "walletAddress must be a valid wallet address")
		return
	}

	view, err := h.service.GroupedView(c.Request.Context(), wallet, Role(c.Query("role")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": view})
}

type releaseRequest struct {
	BuyerAddress string `json:"buyerAddress"`
}

// Release handles POST /escrow/release/:escrowId.
func (h *Handler) Release(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeValidationError(c, "invalid request body: "+err.Error())
		return
	}
	if !validation.IsAddress(req.BuyerAddress) {
		writeValidationError(c, "buyerAddress must be a valid wallet address")
		return
	}

	e, err := h.service.Release(c.Request.Context(), c.Param("escrowId"), req.BuyerAddress)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"escrowId":      e.ID,
			"status":        e.Status,
			"amount":        e.Amount,
			"settlementRef": e.SettlementRef,
			"releasedAt":    e.ReleasedAt,
		},
	})
}

// ProcessExpired handles POST /escrow/process-expired.
func (h *Handler) ProcessExpired(c *gin.Context) {
	result, err := h.service.Sweep(c.Request.Context(), time.Now().UTC())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"processedCount":     len(result.Processed),
			"processedContracts": result.Processed,
			"skipped":            result.Skipped,
		},
	})
}

// Stats handles GET /escrow/stats.
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": stats})
}

func writeValidationError(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   "validation_error",
		"message": msg,
	})
}

// writeError maps domain errors onto the HTTP taxonomy. Business rejections
// log at debug at most; settlement failures are the only 5xx here.
func writeError(c *gin.Context, err error) {
	var status int
	var code string
	var serr *settlement.Error

	switch {
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrInvalidStatus):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrVersionConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, ErrValidation):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.As(err, &serr):
		status, code = http.StatusBadGateway, "settlement_failed"
		logging.L(c.Request.Context()).Error("settlement failure", "error", err)
	default:
		logging.L(c.Request.Context()).Error("unhandled escrow error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal_error",
			"message": "internal error",
		})
		return
	}

	c.JSON(status, gin.H{
		"success": false,
		"error":   code,
		"message": err.Error(),
	})
}
