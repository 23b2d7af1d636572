// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

// Package enroll implements the one-shot HTTPS enrollment calls
// surrounding agent startup: downloading the backend's pinned host
// key and uploading the agent's own public key. These are boundary
// operations, not part of the persistent control channel, but use the
// same error-reporting discipline as the rest of the agent.
package enroll

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// AccountError reports an enrollment failure with a terminal-friendly
// message.
type AccountError struct {
	Op  string
	Err error
}

func (e *AccountError) Error() string {
	return fmt.Sprintf("enroll: %s: %v", e.Op, e.Err)
}

func (e *AccountError) Unwrap() error { return e.Err }

// Client talks to the backend's enrollment HTTP endpoints. SSL
// verification is always on: Client never disables TLS certificate
// validation.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient builds a Client against baseURL using http.DefaultClient
// if httpClient is nil.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{BaseURL: baseURL, HTTP: httpClient}
}

type hostKeyResponse struct {
	Payload string `json:"payload"`
}

// DownloadBackendHostKey fetches the backend's OpenSSH host public key
// via GET {base}/backend/host_key.
func (c *Client) DownloadBackendHostKey() (string, error) {
	resp, err := c.HTTP.Get(c.BaseURL + "/backend/host_key")
	if err != nil {
		return "", &AccountError{Op: "download host key", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &AccountError{Op: "download host key", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &AccountError{Op: "download host key", Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
	}

	var decoded hostKeyResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", &AccountError{Op: "download host key", Err: err}
	}
	return decoded.Payload, nil
}

type uploadKeyRequest struct {
	APIKey       string `json:"api_key"`
	PublicKey    string `json:"public_key"`
	OldPublicKey string `json:"old_public_key,omitempty"`
}

// UploadPublicKey posts the agent's public key (and optionally the key
// it replaces) to POST {base}/server/upload_key.
//
// 200 is success, 400 is a validation failure, 403 is a bad API key;
// any other status is reported as a generic AccountError.
func (c *Client) UploadPublicKey(apiKey, publicKey, oldPublicKey string) error {
	reqBody, err := json.Marshal(uploadKeyRequest{
		APIKey:       apiKey,
		PublicKey:    publicKey,
		OldPublicKey: oldPublicKey,
	})
	if err != nil {
		return &AccountError{Op: "upload public key", Err: err}
	}

	resp, err := c.HTTP.Post(c.BaseURL+"/server/upload_key", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return &AccountError{Op: "upload public key", Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusBadRequest:
		body, _ := io.ReadAll(resp.Body)
		return &AccountError{Op: "upload public key", Err: fmt.Errorf("validation failed: %s", string(body))}
	case http.StatusForbidden:
		return &AccountError{Op: "upload public key", Err: fmt.Errorf("bad API key")}
	default:
		body, _ := io.ReadAll(resp.Body)
		return &AccountError{Op: "upload public key", Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))}
	}
}
