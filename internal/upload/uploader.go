// Package upload sends saga side-artifacts (images, attachments) to
// the object storage service.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// File is one artifact to upload.
type File struct {
	Name        string
	ContentType string
	Content     []byte
}

// Result carries the stored artifact's public URL.
type Result struct {
	URL string `json:"url"`
}

// Gateway is the upload boundary contract.
type Gateway interface {
	Upload(ctx context.Context, files []File) ([]Result, error)
}

// HTTPUploader posts multipart uploads to the storage endpoint.
type HTTPUploader struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPUploader creates the uploader.
func NewHTTPUploader(endpoint, token string, client *http.Client) *HTTPUploader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPUploader{endpoint: endpoint, token: token, client: client}
}

// Upload sends all files in one multipart request and returns their
// URLs in input order.
func (u *HTTPUploader) Upload(ctx context.Context, files []File) ([]Result, error) {
	if len(files) == 0 {
		return nil, nil
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for i, f := range files {
		part, err := writer.CreateFormFile(fmt.Sprintf("file%d", i), f.Name)
		if err != nil {
			return nil, fmt.Errorf("build multipart: %w", err)
		}
		if _, err := part.Write(f.Content); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("upload: status %d: %s", resp.StatusCode, string(raw))
	}

	var results []Result
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	if len(results) != len(files) {
		return nil, fmt.Errorf("upload: got %d urls for %d files", len(results), len(files))
	}
	return results, nil
}
