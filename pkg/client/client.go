package client

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/auditledger/internal/identity"
	"github.com/jmerrifield20/auditledger/pkg/merkle"
)

var (
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned for 401 and 403 responses.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnavailable is returned for 503 responses, e.g. a sealing timeout.
	ErrUnavailable = errors.New("service unavailable")
)

// maxResponseSize bounds a response body; a full chain dump can be large.
const maxResponseSize = 256 << 20

// Block is a sealed ledger block as served by the API.
type Block struct {
	Index        int64     `json:"index"`
	EventType    string    `json:"event_type"`
	ReferenceID  string    `json:"reference_id"`
	Actor        string    `json:"actor"`
	LeafHashes   []string  `json:"leaf_hashes"`
	MerkleRoot   string    `json:"merkle_root"`
	Signature    string    `json:"signature"`
	Timestamp    time.Time `json:"timestamp"`
	PreviousHash string    `json:"previous_hash"`
	Nonce        uint64    `json:"nonce"`
	Hash         string    `json:"hash"`
}

// Overview is the response of GET /api/v1/ledger.
type Overview struct {
	Entries    int    `json:"entries"`
	Root       string `json:"root"`
	Difficulty int    `json:"difficulty"`
}

// VerifyResult is the response of GET /api/v1/ledger/verify.
type VerifyResult struct {
	Valid   bool   `json:"valid"`
	Entries int    `json:"entries,omitempty"`
	Error   string `json:"error,omitempty"`
	Index   *int64 `json:"index,omitempty"`
}

// ProofResult is an inclusion proof for one leaf of one block.
type ProofResult struct {
	Index      int64       `json:"index"`
	Leaf       string      `json:"leaf"`
	MerkleRoot string      `json:"merkle_root"`
	Proof      merkle.Path `json:"proof"`
}

// AppendRequest is the payload for Append. Set Payload for a single event or
// Payloads for a batch. Actor defaults to the token subject.
type AppendRequest struct {
	EventType   string            `json:"event_type"`
	ReferenceID string            `json:"reference_id"`
	Actor       string            `json:"actor,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Payloads    []json.RawMessage `json:"payloads,omitempty"`
}

// Client talks to an auditledger server.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
	cache       *blockCache
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an appender token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithCacheTTL caches GetBlock results for ttl.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		if ttl <= 0 {
			return fmt.Errorf("cache TTL must be positive")
		}
		c.cache = newBlockCache(ttl)
		return nil
	}
}

// New creates a Client for the server at base (e.g. "http://localhost:8080").
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", base, err)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Overview returns the chain length, tip hash and difficulty.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	var out Overview
	if err := c.getJSON(ctx, "/api/v1/ledger", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Chain returns every block in index order.
func (c *Client) Chain(ctx context.Context) ([]Block, error) {
	var out []Block
	if err := c.getJSON(ctx, "/api/v1/ledger/chain", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetBlock returns the block at index.
func (c *Client) GetBlock(ctx context.Context, index int64) (*Block, error) {
	if c.cache != nil {
		if b, ok := c.cache.get(index); ok {
			return b, nil
		}
	}
	var out Block
	if err := c.getJSON(ctx, fmt.Sprintf("/api/v1/ledger/blocks/%d", index), &out); err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.set(index, &out)
	}
	return &out, nil
}

// History returns every block recorded under referenceID.
func (c *Client) History(ctx context.Context, referenceID string) ([]Block, error) {
	var out struct {
		Blocks []Block `json:"blocks"`
	}
	if err := c.getJSON(ctx, "/api/v1/ledger/references/"+url.PathEscape(referenceID), &out); err != nil {
		return nil, err
	}
	return out.Blocks, nil
}

// Verify asks the server to re-validate the whole chain.
func (c *Client) Verify(ctx context.Context) (*VerifyResult, error) {
	var out VerifyResult
	if err := c.getJSON(ctx, "/api/v1/ledger/verify", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifySignature asks the server whether block index carries a valid
// authority signature.
func (c *Client) VerifySignature(ctx context.Context, index int64) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/api/v1/ledger/blocks/%d/signature", index), &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

// Proof fetches the inclusion proof of leaf within block index.
func (c *Client) Proof(ctx context.Context, index int64, leaf string) (*ProofResult, error) {
	var out ProofResult
	path := fmt.Sprintf("/api/v1/ledger/blocks/%d/proof?leaf=%s", index, url.QueryEscape(leaf))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PublicKey fetches and parses the authority public key.
func (c *Client) PublicKey(ctx context.Context) (*ecdsa.PublicKey, error) {
	var out struct {
		PublicKey string `json:"public_key"`
	}
	if err := c.getJSON(ctx, "/api/v1/ledger/public-key", &out); err != nil {
		return nil, err
	}
	return identity.ParsePublicKeyPEM([]byte(out.PublicKey))
}

// Append records an event and returns the sealed block.
func (c *Client) Append(ctx context.Context, req AppendRequest) (*Block, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/ledger/events", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	respBody, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	var out Block
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s: %s", ErrNotFound, req.URL.Path, errorMessage(body))
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, errorMessage(body))
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, errorMessage(body))
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, errorMessage(body))
	}
	return body, nil
}

// errorMessage extracts {"error": "..."} from body, or returns it raw.
func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}

type cacheEntry struct {
	block     *Block
	expiresAt time.Time
}

type blockCache struct {
	mu      sync.RWMutex
	entries map[int64]*cacheEntry
	ttl     time.Duration
}

func newBlockCache(ttl time.Duration) *blockCache {
	return &blockCache{entries: make(map[int64]*cacheEntry), ttl: ttl}
}

func (bc *blockCache) get(index int64) (*Block, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	e, ok := bc.entries[index]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.block, true
}

func (bc *blockCache) set(index int64, b *Block) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.entries[index] = &cacheEntry{block: b, expiresAt: time.Now().Add(bc.ttl)}
}
