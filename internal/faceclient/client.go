package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// VerifyResult contains 1:1 verification result.
type VerifyResult struct {
	UserID     string  `json:"user_id"`
	Verified   bool    `json:"verified"`
	Similarity float64 `json:"similarity"`
	Threshold  float64 `json:"threshold"`
}

// LivenessResult contains anti-spoofing check result.
type LivenessResult struct {
	IsLive     bool    `json:"is_live"`
	Confidence float64 `json:"confidence"`
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. With skip set every call succeeds without network
// access, which is how local development runs.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // Face processing can take time
		},
	}
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

// Verify performs 1:1 face verification of a capture against the enrolled
// face of userID.
func (c *Client) Verify(ctx context.Context, userID, imageURL string) (*VerifyResult, error) {
	if c.Skip {
		return &VerifyResult{UserID: userID, Verified: true, Similarity: 0.92, Threshold: 0.45}, nil
	}
	var out VerifyResult
	err := c.post(ctx, "/verify", map[string]string{"user_id": userID, "image_url": imageURL}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Liveness checks if the capture is from a live person.
func (c *Client) Liveness(ctx context.Context, imageURL string) (*LivenessResult, error) {
	if c.Skip {
		return &LivenessResult{IsLive: true, Confidence: 0.85}, nil
	}
	var out LivenessResult
	if err := c.post(ctx, "/liveness", map[string]string{"image_url": imageURL}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
