package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parcelmarket/escrowd/internal/escrow"
	"github.com/parcelmarket/escrowd/internal/logging"
	"github.com/parcelmarket/escrowd/internal/settlement"
	"github.com/parcelmarket/escrowd/internal/validation"
)

// Handler exposes dispute opening, evidence and voting over HTTP.
type Handler struct {
	manager *Manager
}

// NewHandler creates the handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes mounts the dispute endpoints on the /escrow group. The
// open route takes the escrow id; the rest take the dispute id, all under
// the shared :id parameter.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/dispute/:id", h.Open)
	r.GET("/dispute/:id", h.Get)
	r.POST("/dispute/:id/vote", h.Vote)
	r.POST("/dispute/:id/evidence", h.SubmitEvidence)
}

type openRequest struct {
	Reason           string   `json:"reason"`
	Evidence         []string `json:"evidence"`
	DisputantAddress string   `json:"disputantAddress"`
}

// Open handles POST /escrow/dispute/:id where :id is the escrow id.
func (h *Handler) Open(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeValidationError(c, "invalid request body: "+err.Error())
		return
	}
	if !validation.IsAddress(req.DisputantAddress) {
		writeValidationError(c, "disputantAddress must be a valid wallet address")
		return
	}

	d, err := h.manager.Open(c.Request.Context(), c.Param("id"), req.Reason, req.Evidence, req.DisputantAddress)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": d})
}

// Get handles GET /escrow/dispute/:id where :id is the dispute id.
func (h *Handler) Get(c *gin.Context) {
	d, e, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"dispute": d,
			"escrow":  e,
		},
	})
}

type voteRequest struct {
	VoterAddress string `json:"voterAddress"`
	Vote         string `json:"vote"`
	VotingPower  int64  `json:"votingPower"`
}

// Vote handles POST /escrow/dispute/:id/vote.
func (h *Handler) Vote(c *gin.Context) {
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeValidationError(c, "invalid request body: "+err.Error())
		return
	}
	if !validation.IsAddress(req.VoterAddress) {
		writeValidationError(c, "voterAddress must be a valid wallet address")
		return
	}

	result, err := h.manager.CastVote(c.Request.Context(), c.Param("id"), req.VoterAddress, Choice(req.Vote), req.VotingPower)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"dispute":  result.Dispute,
			"resolved": result.Resolved,
		},
	})
}

type evidenceRequest struct {
	EvidenceRef      string `json:"evidenceRef"`
	SubmitterAddress string `json:"submitterAddress"`
}

// SubmitEvidence handles POST /escrow/dispute/:id/evidence.
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeValidationError(c, "invalid request body: "+err.Error())
		return
	}
	if !validation.IsAddress(req.SubmitterAddress) {
		writeValidationError(c, "submitterAddress must be a valid wallet address")
		return
	}

	d, err := h.manager.SubmitEvidence(c.Request.Context(), c.Param("id"), req.EvidenceRef, req.SubmitterAddress)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": d})
}

func writeValidationError(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   "validation_error",
		"message": msg,
	})
}

// writeError maps dispute and escrow domain errors onto the HTTP taxonomy.
func writeError(c *gin.Context, err error) {
	var status int
	var code string
	var serr *settlement.Error

	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, escrow.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, escrow.ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrNotOpen), errors.Is(err, escrow.ErrInvalidStatus):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrDuplicateVote):
		status, code = http.StatusConflict, "duplicate_vote"
	case errors.Is(err, ErrVersionConflict), errors.Is(err, escrow.ErrVersionConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, ErrValidation), errors.Is(err, escrow.ErrValidation):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.As(err, &serr):
		status, code = http.StatusBadGateway, "settlement_failed"
		logging.L(c.Request.Context()).Error("settlement failure", "error", err)
	default:
		logging.L(c.Request.Context()).Error("unhandled dispute error", "error", err)
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
