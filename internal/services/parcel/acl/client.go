// Package acl queries the external authorization oracle for usage grants.
package acl

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Verdict is the oracle's decision for a usage query. Oracle failures
// (unreachable node, malformed or error responses) are reported as a non-nil
// error alongside VerdictDeny; callers must treat that error as blocking and
// never read the verdict through it.
type Verdict int

const (
	// VerdictDeny means the requester holds no usage grant.
	VerdictDeny Verdict = iota
	// VerdictAllow means the requester holds a usage grant.
	VerdictAllow
)

// String renders the verdict for logs.
func (v Verdict) String() string {
	if v == VerdictAllow {
		return "allow"
	}
	return "deny"
}

// DefaultTimeout bounds one oracle round trip.
const DefaultTimeout = 5 * time.Second

// Client queries a blockchain node's abci_query endpoint for usage grants.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient creates an oracle client for the given node endpoint. A
// non-positive timeout falls back to DefaultTimeout.
func NewClient(endpoint string, timeout time.Duration) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("oracle endpoint is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type usageQuery struct {
	Buyer  string `json:"buyer"`
	Target string `json:"target"`
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      string    `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Path string `json:"path"`
	Data string `json:"data"`
}

type rpcResponse struct {
	Error  json.RawMessage `json:"error"`
	Result struct {
		Response struct {
			Code int `json:"code"`
		} `json:"response"`
	} `json:"result"`
}

// CheckUsage asks the oracle whether requester holds a usage grant for the
// parcel. Response code 0 means allow; any other code means deny. Each call
// carries a fresh correlation id.
func (c *Client) CheckUsage(ctx context.Context, parcelID, requester string) (Verdict, error) {
	query, err := json.Marshal(usageQuery{Buyer: requester, Target: parcelID})
	if err != nil {
		return VerdictDeny, fmt.Errorf("encode usage query: %w", err)
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  "abci_query",
		Params: rpcParams{
			Path: "/usage",
			Data: hex.EncodeToString(query),
		},
	})
	if err != nil {
		return VerdictDeny, fmt.Errorf("encode usage request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return VerdictDeny, fmt.Errorf("build usage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return VerdictDeny, fmt.Errorf("query oracle: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode != http.StatusOK {
		return VerdictDeny, fmt.Errorf("oracle returned status %d", res.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return VerdictDeny, fmt.Errorf("decode oracle response: %w", err)
	}
	if oracleErr := rpcError(decoded.Error); oracleErr != "" {
		return VerdictDeny, fmt.Errorf("oracle error: %s", oracleErr)
	}
	if decoded.Result.Response.Code != 0 {
		return VerdictDeny, nil
	}
	return VerdictAllow, nil
}

// rpcError extracts a non-empty error from the response's error field, which
// nodes emit either as a string or as a structured object.
func rpcError(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == `""` {
		return ""
	}
	var message string
	if err := json.Unmarshal(raw, &message); err == nil {
		return message
	}
	return trimmed
}
