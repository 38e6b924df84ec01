package transport

import (
	"context"
	"encoding/base64"
	"time"
)

// AttachmentUpload is the single-request upload body for files below the
// chunking threshold. Data is base64 of the (possibly compressed) blob.
type AttachmentUpload struct {
	EntityID string `json:"entityId"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	FileSize int64  `json:"fileSize"`
	Encoding string `json:"encoding,omitempty"` // e.g. "snappy"
	Data     string `json:"data"`
}

// AttachmentUploadResponse confirms a stored blob.
type AttachmentUploadResponse struct {
	AttachmentID string    `json:"attachmentId"`
	URL          string    `json:"url"`
	ServerTime   time.Time `json:"serverTime"`
}

// ChunkInitRequest starts a chunked upload session.
type ChunkInitRequest struct {
	EntityID    string `json:"entityId"`
	FileName    string `json:"fileName"`
	MimeType    string `json:"mimeType"`
	FileSize    int64  `json:"fileSize"`
	ChunkSize   int64  `json:"chunkSize"`
	TotalChunks int    `json:"totalChunks"`
	Encoding    string `json:"encoding,omitempty"`
}

// ChunkInitResponse carries the session id the chunk and complete calls
// reference.
type ChunkInitResponse struct {
	UploadID    string `json:"uploadId"`
	TotalChunks int    `json:"totalChunks"`
}

// UploadAttachment sends a whole blob in one request.
func (c *Client) UploadAttachment(ctx context.Context, endpoint string, up AttachmentUpload, data []byte) (*AttachmentUploadResponse, error) {
	up.Data = base64.StdEncoding.EncodeToString(data)
	var out AttachmentUploadResponse
	if err := c.post(ctx, endpoint, up, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InitChunkedUpload opens a chunked upload session.
func (c *Client) InitChunkedUpload(ctx context.Context, endpoint string, req ChunkInitRequest) (*ChunkInitResponse, error) {
	var out ChunkInitResponse
	if err := c.post(ctx, endpoint+"/init", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadChunk sends one chunk of an open session. Each chunk is its own
// request so progress can be reported between chunks and a retried
// session resumes cheaply.
func (c *Client) UploadChunk(ctx context.Context, endpoint, uploadID string, index int, data []byte) error {
	body := map[string]any{
		"uploadId":   uploadID,
		"chunkIndex": index,
		"data":       base64.StdEncoding.EncodeToString(data),
	}
	return c.post(ctx, endpoint+"/chunk", body, nil)
}

// CompleteChunkedUpload closes the session and returns the stored blob's
// location.
func (c *Client) CompleteChunkedUpload(ctx context.Context, endpoint, uploadID string) (*AttachmentUploadResponse, error) {
	body := map[string]any{"uploadId": uploadID}
	var out AttachmentUploadResponse
	if err := c.post(ctx, endpoint+"/complete", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
