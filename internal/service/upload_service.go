package service

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/funnelsmith/api/internal/client"
)

const (
	mockCDN           = "https://cdn.funnelsmith.dev"
	contentTypePDF    = "application/pdf"
	documentKeyPrefix = "documents"
)

// DocumentUploader defines the interface for document storage operations
type DocumentUploader interface {
	UploadDocument(ctx context.Context, correlationID, jobID string, data []byte) (*StoredObject, error)
}

// URLSigner issues time-limited download links for stored documents
type URLSigner interface {
	GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// StoredObject describes an uploaded document
type StoredObject struct {
	Key     string
	FileURL string
	Size    int64
}

// UploadService handles document uploads to R2 storage
type UploadService struct {
	r2Client client.StorageClient
}

// NewUploadService creates a new upload service. A nil client returns mock URLs.
func NewUploadService(r2Client client.StorageClient) *UploadService {
	return &UploadService{
		r2Client: r2Client,
	}
}

// DocumentKey is the storage key of a rendered document
func DocumentKey(correlationID, jobID string) string {
	return fmt.Sprintf("%s/%s/%s.pdf", documentKeyPrefix, correlationID, jobID)
}

// UploadDocument uploads a rendered PDF and returns its public URL
func (s *UploadService) UploadDocument(ctx context.Context, correlationID, jobID string, data []byte) (*StoredObject, error) {
	key := DocumentKey(correlationID, jobID)

	// Use mock response if client is not configured
	if s.r2Client == nil {
		return &StoredObject{
			Key:     key,
			FileURL: fmt.Sprintf("%s/%s", mockCDN, key),
			Size:    int64(len(data)),
		}, nil
	}

	fileURL, err := s.r2Client.Upload(ctx, key, bytes.NewReader(data), contentTypePDF)
	if err != nil {
		return nil, fmt.Errorf("failed to upload document: %w", err)
	}

	return &StoredObject{
		Key:     key,
		FileURL: fileURL,
		Size:    int64(len(data)),
	}, nil
}

// GetSignedURL generates a presigned URL for temporary access to a document
func (s *UploadService) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if s.r2Client == nil {
		return fmt.Sprintf("%s/%s", mockCDN, key), nil
	}

	return s.r2Client.GetSignedURL(ctx, key, expiry)
}
