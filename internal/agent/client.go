package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/relayfabric/tunnel/internal/ferrors"
	"github.com/relayfabric/tunnel/internal/proto"
)

// GatewayClient talks to the Gateway's Control Plane HTTP/JSON API (§6).
type GatewayClient struct {
	baseURL string
	http    *http.Client
}

// NewGatewayClient builds a client against the Gateway's web control
// plane at baseURL (e.g. "http://gateway.internal:8080").
func NewGatewayClient(baseURL string) *GatewayClient {
	return &GatewayClient{baseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}}
}

type allocateRequest struct {
	LocalPort     int    `json:"local_port"`
	PreferredPort int    `json:"preferred_port,omitempty"`
	Protocol      string `json:"protocol"`
}

type allocateResponse struct {
	Success  bool   `json:"success"`
	Public   int    `json:"public_port"`
	Protocol string `json:"protocol"`
	Message  string `json:"message"`
}

// Allocate requests a public port for (localPort, protocol), preferring
// preferred if non-zero (§4.6 step 1). A success=false answer is returned
// wrapping ferrors.ErrNoPortAvailable; a failed request or an undecodable
// response wraps ferrors.ErrGatewayUnreachable. The MappingManager's
// backoff loop acts on both.
func (c *GatewayClient) Allocate(ctx context.Context, localPort, preferred int, protocol proto.Protocol) (int, error) {
	reqBody, _ := json.Marshal(allocateRequest{LocalPort: localPort, PreferredPort: preferred, Protocol: string(protocol)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ports/allocate", bytes.NewReader(reqBody))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ferrors.ErrGatewayUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ferrors.ErrGatewayUnreachable, err)
	}
	defer resp.Body.Close()

	var out allocateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("%w: decode allocate response: %v", ferrors.ErrGatewayUnreachable, err)
	}
	if !out.Success {
		return 0, fmt.Errorf("%w: %s", ferrors.ErrNoPortAvailable, out.Message)
	}
	return out.Public, nil
}

// Release calls DELETE /ports/mapping/{local_port} (§4.6 step 5).
func (c *GatewayClient) Release(ctx context.Context, localPort int) error {
	url := fmt.Sprintf("%s/ports/mapping/%d", c.baseURL, localPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ferrors.ErrGatewayUnreachable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ferrors.ErrGatewayUnreachable, err)
	}
	defer resp.Body.Close()
	return nil
}
