package cloudinary

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNotConfigured is returned when credentials are missing.
var ErrNotConfigured = errors.New("cloudinary not configured")

const defaultBaseURL = "https://api.cloudinary.com/v1_1"

// Client uploads face captures to Cloudinary using their REST API.
type Client struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	BaseURL   string
	HTTP      *http.Client
	now       func() time.Time
}

// New creates a Cloudinary client.
func New(cloudName, apiKey, apiSecret, folder string) *Client {
	return &Client{
		CloudName: cloudName,
		APIKey:    apiKey,
		APISecret: apiSecret,
		Folder:    folder,
		BaseURL:   defaultBaseURL,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		now:       time.Now,
	}
}

// Configured reports whether uploads can be attempted.
func (c *Client) Configured() bool {
	return c != nil && c.CloudName != "" && c.APIKey != "" && c.APISecret != ""
}

// UploadResult holds the response from Cloudinary after a successful upload.
type UploadResult struct {
	PublicID  string `json:"public_id"`
	SecureURL string `json:"secure_url"`
	Format    string `json:"format"`
	Bytes     int    `json:"bytes"`
}

// UploadCapture uploads a face capture under publicID. data is either a
// data URL ("data:image/jpeg;base64,...") or raw image bytes.
func (c *Client) UploadCapture(ctx context.Context, publicID string, data []byte) (*UploadResult, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	params := map[string]string{
		"timestamp": strconv.FormatInt(c.now().Unix(), 10),
		"api_key":   c.APIKey,
		"public_id": publicID,
	}
	if c.Folder != "" {
		params["folder"] = c.Folder
	}
	params["signature"] = c.sign(params)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range params {
		_ = w.WriteField(k, v)
	}
	if bytes.HasPrefix(data, []byte("data:")) {
		_ = w.WriteField("file", string(data))
	} else {
		part, err := w.CreateFormFile("file", publicID+".jpg")
		if err != nil {
			return nil, fmt.Errorf("cloudinary: create form file: %w", err)
		}
		if _, err := part.Write(data); err != nil {
			return nil, fmt.Errorf("cloudinary: write file: %w", err)
		}
	}
	w.Close()

	url := fmt.Sprintf("%s/%s/image/upload", strings.TrimRight(c.BaseURL, "/"), c.CloudName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("cloudinary: upload failed (%d): %s", resp.StatusCode, string(body))
	}
	var result UploadResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("cloudinary: decode response: %w", err)
	}
	return &result, nil
}

// sign computes the Cloudinary API signature. api_key and file are not
// signed.
func (c *Client) sign(params map[string]string) string {
	skip := map[string]bool{"api_key": true, "file": true, "resource_type": true}
	pairs := make([]string, 0, len(params))
	for k, v := range params {
		if !skip[k] && v != "" {
			pairs = append(pairs, k+"="+v)
		}
	}
	sort.Strings(pairs)
	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + c.APISecret))
	return fmt.Sprintf("%x", sum)
}
