package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/block"
	"github.com/jmerrifield20/auditledger/internal/identity"
	"github.com/jmerrifield20/auditledger/internal/ledger"
	"github.com/jmerrifield20/auditledger/pkg/merkle"
)

// Ledger is the part of *ledger.Ledger the HTTP surface uses.
type Ledger interface {
	AppendBatch(ctx context.Context, eventType, referenceID, actor string, payloads [][]byte) (*block.Block, error)
	List() []*block.Block
	Get(index int64) (*block.Block, error)
	History(referenceID string) []*block.Block
	Len() int
	Root() string
	Difficulty() int
	Verify(ctx context.Context) error
	VerifySignature(b *block.Block) bool
	Proof(index int64, leaf string) (merkle.Path, string, error)
	PublicKeyPEM() (string, error)
}

// LedgerHandler exposes the audit ledger over HTTP.
type LedgerHandler struct {
	ledger Ledger
	tokens *identity.TokenIssuer
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler. tokens authenticates appends.
func NewLedgerHandler(l Ledger, tokens *identity.TokenIssuer, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, tokens: tokens, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/chain", h.Chain)
		l.GET("/verify", h.Verify)
		l.GET("/blocks/:idx", h.GetBlock)
		l.GET("/blocks/:idx/signature", h.VerifyBlockSignature)
		l.GET("/blocks/:idx/proof", h.GetProof)
		l.GET("/references/:ref", h.History)
		l.POST("/proofs/verify", h.VerifyProof)
		l.GET("/public-key", h.PublicKey)
		l.POST("/events", identity.RequireToken(h.tokens), h.AppendEvent)
	}
}

// Overview handles GET /ledger: returns the chain length and current tip hash.
func (h *LedgerHandler) Overview(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"entries":    h.ledger.Len(),
		"root":       h.ledger.Root(),
		"difficulty": h.ledger.Difficulty(),
	})
}

// Chain handles GET /ledger/chain: returns every block in index order.
func (h *LedgerHandler) Chain(c *gin.Context) {
	c.JSON(http.StatusOK, h.ledger.List())
}

// Verify handles GET /ledger/verify: walks the full chain and reports integrity.
func (h *LedgerHandler) Verify(c *gin.Context) {
	if err := h.ledger.Verify(c.Request.Context()); err != nil {
		h.logger.Warn("ledger integrity check failed", zap.Error(err))
		resp := gin.H{"valid": false, "error": err.Error()}
		var ce *ledger.CorruptError
		if errors.As(err, &ce) {
			resp["index"] = ce.Index
		}
		c.JSON(http.StatusOK, resp)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "entries": h.ledger.Len()})
}

// GetBlock handles GET /ledger/blocks/:idx.
func (h *LedgerHandler) GetBlock(c *gin.Context) {
	b, ok := h.blockParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, b)
}

// VerifyBlockSignature handles GET /ledger/blocks/:idx/signature.
func (h *LedgerHandler) VerifyBlockSignature(c *gin.Context) {
	b, ok := h.blockParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"index":     b.Index,
		"data_hash": b.DataHash(),
		"valid":     h.ledger.VerifySignature(b),
	})
}

// GetProof handles GET /ledger/blocks/:idx/proof?leaf=<hash>.
func (h *LedgerHandler) GetProof(c *gin.Context) {
	idx, ok := indexParam(c)
	if !ok {
		return
	}
	leaf := c.Query("leaf")
	if leaf == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "leaf query parameter is required"})
		return
	}

	proof, root, err := h.ledger.Proof(idx, leaf)
	switch {
	case errors.Is(err, ledger.ErrBlockNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
		return
	case errors.Is(err, merkle.ErrLeafNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "leaf not found in block"})
		return
	case err != nil:
		h.logger.Error("build proof", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build proof"})
		return
	}
	c.JSON(http.StatusOK, ProofResponse{Index: idx, Leaf: leaf, MerkleRoot: root, Proof: proof})
}

// ProofResponse is the body of GET /ledger/blocks/:idx/proof.
type ProofResponse struct {
	Index      int64       `json:"index"`
	Leaf       string      `json:"leaf"`
	MerkleRoot string      `json:"merkle_root"`
	Proof      merkle.Path `json:"proof"`
}

// VerifyProofRequest is the body of POST /ledger/proofs/verify.
type VerifyProofRequest struct {
	Leaf  string      `json:"leaf" binding:"required"`
	Proof merkle.Path `json:"proof"`
	Root  string      `json:"root" binding:"required"`
}

// VerifyProof handles POST /ledger/proofs/verify: a stateless inclusion check.
func (h *LedgerHandler) VerifyProof(c *gin.Context) {
	var req VerifyProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": merkle.VerifyProof(req.Leaf, req.Proof, req.Root)})
}

// History handles GET /ledger/references/:ref: every block for one reference.
func (h *LedgerHandler) History(c *gin.Context) {
	ref := c.Param("ref")
	blocks := h.ledger.History(ref)
	if blocks == nil {
		blocks = []*block.Block{}
	}
	c.JSON(http.StatusOK, gin.H{"reference_id": ref, "blocks": blocks})
}

// PublicKey handles GET /ledger/public-key.
func (h *LedgerHandler) PublicKey(c *gin.Context) {
	pemStr, err := h.ledger.PublicKeyPEM()
	if err != nil {
		h.logger.Error("encode public key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode public key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"algorithm":  "ECDSA-P256-SHA256",
		"public_key": pemStr,
	})
}

// AppendEventRequest is the body of POST /ledger/events. Exactly one of
// Payload or Payloads is set; Payloads records a batch under one block.
type AppendEventRequest struct {
	EventType   string            `json:"event_type" binding:"required"`
	ReferenceID string            `json:"reference_id" binding:"required"`
	Actor       string            `json:"actor"`
	Payload     json.RawMessage   `json:"payload"`
	Payloads    []json.RawMessage `json:"payloads"`
}

// AppendEvent handles POST /ledger/events. The actor defaults to the token
// subject; naming another actor needs the ledger:append:any scope.
func (h *LedgerHandler) AppendEvent(c *gin.Context) {
	var req AppendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims := identity.ClaimsFromCtx(c)
	actor := req.Actor
	if actor == "" {
		actor = claims.Subject
	}
	if actor != claims.Subject && !claims.HasScope(identity.ScopeAppendAny) {
		c.JSON(http.StatusForbidden, gin.H{"error": "token may only append as " + claims.Subject})
		return
	}

	var payloads [][]byte
	switch {
	case len(req.Payload) > 0 && len(req.Payloads) > 0:
		c.JSON(http.StatusBadRequest, gin.H{"error": "set either payload or payloads, not both"})
		return
	case len(req.Payload) > 0:
		payloads = [][]byte{req.Payload}
	case len(req.Payloads) > 0:
		for _, p := range req.Payloads {
			payloads = append(payloads, p)
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload is required"})
		return
	}

	b, err := h.ledger.AppendBatch(c.Request.Context(), req.EventType, req.ReferenceID, actor, payloads)
	if err != nil {
		h.writeAppendError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (h *LedgerHandler) writeAppendError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, block.ErrSealingTimeout):
		h.logger.Warn("append timed out while sealing", zap.Error(err))
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sealing timed out; retry later"})
	case errors.Is(err, ledger.ErrStorage):
		h.logger.Error("append failed to persist", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist event"})
	default:
		h.logger.Error("append failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to append event"})
	}
}

func indexParam(c *gin.Context) (int64, bool) {
	idx, err := strconv.ParseInt(c.Param("idx"), 10, 64)
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return 0, false
	}
	return idx, true
}

func (h *LedgerHandler) blockParam(c *gin.Context) (*block.Block, bool) {
	idx, ok := indexParam(c)
	if !ok {
		return nil, false
	}
	b, err := h.ledger.Get(idx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
		return nil, false
	}
	return b, true
}
