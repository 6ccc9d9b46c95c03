package proxy

import "time"

// ErrorResponse is the JSON body of every error the proxy generates itself.
type ErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Resource string `json:"resource"`
}

// UpstreamErrorResponse reports an upload the object store rejected, with
// the store's own status and body for diagnosis.
type UpstreamErrorResponse struct {
	ErrorResponse
	UpstreamStatus int    `json:"upstreamStatus,omitempty"`
	UpstreamBody   string `json:"upstreamBody,omitempty"`
	SessionState   string `json:"sessionState,omitempty"`
	Confirmed      int64  `json:"confirmedBytes"`
}

// SignedUploadRequest asks for a resumable initiation URL. Every field is
// optional.
type SignedUploadRequest struct {
	ObjectName string `json:"objectName"`
	FileName   string `json:"fileName"`
	TTLSeconds int    `json:"ttlSeconds"`
}

type SignedUploadResponse struct {
	UploadURL  string    `json:"uploadUrl"`
	ObjectName string    `json:"objectName"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// UploadResult is returned once an object has been streamed through the
// proxy into the store.
type UploadResult struct {
	ObjectName  string `json:"objectName"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	ETag        string `json:"etag,omitempty"`
}

type SignedDownloadRequest struct {
	ObjectName string `json:"objectName"`
	TTLSeconds int    `json:"ttlSeconds"`
}

type SignedDownloadResponse struct {
	DownloadURL string    `json:"downloadUrl"`
	ObjectName  string    `json:"objectName"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type ObjectSummary struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	ContentType  string    `json:"contentType,omitempty"`
	LastModified time.Time `json:"lastModified"`
}

// ObjectList is one page of a prefix listing.
type ObjectList struct {
	Prefix    string          `json:"prefix"`
	Objects   []ObjectSummary `json:"objects"`
	Truncated bool            `json:"truncated"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
