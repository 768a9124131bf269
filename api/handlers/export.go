package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
)

// TranscriptUploader stores exported session transcripts. Production
// uses S3; tests substitute fakes.
type TranscriptUploader interface {
	Upload(ctx context.Context, key string, body []byte) error
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (u *s3Uploader) Upload(ctx context.Context, key string, body []byte) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

var (
	uploaderMu   sync.Mutex
	uploaderInst TranscriptUploader
)

// transcriptUploader builds the S3 uploader on first use. Returns nil
// when COPILOT_EXPORT_BUCKET is unset and exports are disabled.
func transcriptUploader(ctx context.Context) (TranscriptUploader, error) {
	uploaderMu.Lock()
	defer uploaderMu.Unlock()
	if uploaderInst != nil {
		return uploaderInst, nil
	}

	bucket := os.Getenv("COPILOT_EXPORT_BUCKET")
	if bucket == "" {
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if region := os.Getenv("COPILOT_EXPORT_REGION"); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	// Custom endpoint for MinIO testing
	if endpoint := os.Getenv("COPILOT_EXPORT_ENDPOINT"); endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	uploaderInst = &s3Uploader{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: bucket,
	}
	return uploaderInst, nil
}

// SetTranscriptUploader replaces the uploader (for testing).
func SetTranscriptUploader(u TranscriptUploader) {
	uploaderMu.Lock()
	defer uploaderMu.Unlock()
	uploaderInst = u
}

// ExportResponse reports where a transcript export landed.
type ExportResponse struct {
	Key string `json:"key"`
}

// ExportSession handles POST /api/sessions/{id}/export: the session
// transcript is written to the export bucket as JSON. Returns 503 when
// no bucket is configured.
func ExportSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	uploader, err := transcriptUploader(r.Context())
	if err != nil {
		http.Error(w, internalError("Failed to initialize export", err), http.StatusInternalServerError)
		return
	}
	if uploader == nil {
		http.Error(w, "Transcript export is not configured", http.StatusServiceUnavailable)
		return
	}

	s, err := getSession(r.Context(), id)
	if err != nil {
		http.Error(w, internalError("Failed to load session", err), http.StatusInternalServerError)
		return
	}
	if s == nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		http.Error(w, internalError("Failed to serialize session", err), http.StatusInternalServerError)
		return
	}

	key := fmt.Sprintf("sessions/%s/%s.json", time.Now().UTC().Format("2006-01-02"), id)
	if err := uploader.Upload(r.Context(), key, body); err != nil {
		http.Error(w, internalError("Failed to upload transcript", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ExportResponse{Key: key})
}
