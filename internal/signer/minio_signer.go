package signer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
)

// maxPresignTTL is the longest expiry SigV4 presigned URLs allow.
const maxPresignTTL = 7 * 24 * time.Hour

// MinioSigner presigns resumable initiation requests against an
// S3-compatible store with SigV4. The x-goog-resumable header is part of the
// signature, so the client must send it unchanged.
type MinioSigner struct {
	client *minio.Client
	bucket string
}

func NewMinioSigner(client *minio.Client, bucket string) *MinioSigner {
	return &MinioSigner{client: client, bucket: bucket}
}

func (s *MinioSigner) SignResumableInit(ctx context.Context, objectName string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", ErrInvalidTTL
	}
	ttl = min(max(ttl, time.Second), maxPresignTTL)

	u, err := s.client.PresignHeader(ctx, http.MethodPost, s.bucket, objectName, ttl, url.Values{},
		http.Header{"X-Goog-Resumable": []string{"start"}})
	if err != nil {
		return "", fmt.Errorf("signer: presign %q: %w", objectName, err)
	}
	return u.String(), nil
}

// SignDownload presigns a GET of objectName.
func (s *MinioSigner) SignDownload(ctx context.Context, objectName string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", ErrInvalidTTL
	}
	ttl = min(max(ttl, time.Second), maxPresignTTL)

	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("signer: presign download %q: %w", objectName, err)
	}
	return u.String(), nil
}
