// Package storage wraps the Supabase object storage API for drawing
// uploads.
package storage

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	supa "github.com/supabase-community/supabase-go"
)

// Supabase stores drawing files in a Supabase storage bucket. Direct writes
// go through the storage REST endpoint; signed upload URLs come from the
// Supabase client.
type Supabase struct {
	client *supa.Client
	url    string
	key    string
	bucket string
	http   *http.Client
}

// NewSupabase creates a storage client for the given project and bucket.
func NewSupabase(supabaseURL, serviceKey, bucket string) (*Supabase, error) {
	client, err := supa.NewClient(supabaseURL, serviceKey, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: init supabase client: %w", err)
	}
	return &Supabase{
		client: client,
		url:    strings.TrimSuffix(supabaseURL, "/"),
		key:    serviceKey,
		bucket: bucket,
		http:   &http.Client{},
	}, nil
}

// Upload writes content to path in the bucket.
func (s *Supabase) Upload(path, contentType string, content []byte) error {
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.bucket, path)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("storage: create upload request: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+s.key)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("storage: upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("storage: upload failed with status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// CreateSignedUpload returns an absolute URL a client can PUT the file to
// directly.
func (s *Supabase) CreateSignedUpload(path string) (string, error) {
	signed, err := s.client.Storage.CreateSignedUploadUrl(s.bucket, path)
	if err != nil {
		return "", fmt.Errorf("storage: create signed upload url: %w", err)
	}
	uploadURL := signed.Url
	if !strings.HasPrefix(uploadURL, "http") {
		uploadURL = s.url + "/" + strings.TrimPrefix(uploadURL, "/")
	}
	return uploadURL, nil
}
