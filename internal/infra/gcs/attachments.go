// Package gcs implements store.AttachmentStore on a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/dvloznov/box-ledger/internal/store"
)

const (
	publicHost    = "https://storage.googleapis.com"
	uploadTimeout = 2 * time.Minute
)

// AttachmentStore keeps receipt files as public objects in one bucket.
type AttachmentStore struct {
	client   *storage.Client
	bucket   string
	endpoint string
}

var _ store.AttachmentStore = (*AttachmentStore)(nil)

// NewAttachmentStore creates a client for bucket. A non-empty endpoint points
// the client at an emulator and is also used to build public URLs.
// It assumes Application Default Credentials are configured otherwise.
func NewAttachmentStore(ctx context.Context, bucket, endpoint string, opts ...option.ClientOption) (*AttachmentStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("NewAttachmentStore: bucket is empty")
	}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimRight(endpoint, "/")+"/storage/v1/"), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewAttachmentStore: create storage client: %w", err)
	}
	return &AttachmentStore{client: client, bucket: bucket, endpoint: strings.TrimRight(endpoint, "/")}, nil
}

// Close closes the storage client.
func (s *AttachmentStore) Close() error {
	return s.client.Close()
}

// Upload streams r into the named object.
func (s *AttachmentStore) Upload(ctx context.Context, name, contentType string, r io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("Upload: copy to writer: %w", classify(err))
	}
	// Close finalizes the upload.
	if err := w.Close(); err != nil {
		return fmt.Errorf("Upload: finalize %s: %w", name, classify(err))
	}
	return nil
}

func (s *AttachmentStore) PublicURL(name string) string {
	return PublicURL(s.endpoint, s.bucket, name)
}

// PublicURL builds the public address of an object.
func PublicURL(endpoint, bucket, name string) string {
	host := publicHost
	if endpoint != "" {
		host = endpoint
	}
	return host + "/" + bucket + "/" + url.PathEscape(name)
}

// Delete removes every named object. Objects already gone are not errors.
func (s *AttachmentStore) Delete(ctx context.Context, names []string) error {
	bkt := s.client.Bucket(s.bucket)
	var errs []error
	for _, n := range names {
		err := bkt.Object(n).Delete(ctx)
		if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
			continue
		}
		errs = append(errs, fmt.Errorf("delete %s: %w", n, classify(err)))
	}
	if len(errs) > 0 {
		return fmt.Errorf("Delete: %w", errors.Join(errs...))
	}
	return nil
}

// ObjectName extracts the object name from a public URL built by PublicURL.
// e.g., "https://storage.googleapis.com/bucket/7_nf.pdf" → "7_nf.pdf"
func ObjectName(publicURL, bucket string) string {
	u, err := url.Parse(publicURL)
	if err != nil {
		return ""
	}
	name, ok := strings.CutPrefix(u.Path, "/"+bucket+"/")
	if !ok {
		return ""
	}
	return name
}

func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %d %s", store.ErrRejected, apiErr.Code, apiErr.Message)
	}
	return err
}
