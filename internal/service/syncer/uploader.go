package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"time"
)

// DefaultUploadTimeout bounds one upload request.
const DefaultUploadTimeout = 5 * time.Second

// ErrUploadRejected is returned when the ingestion service answers with anything but 200.
var ErrUploadRejected = errors.New("upload rejected")

// Upload is one capture ready to be delivered.
type Upload struct {
	CaptureID     string
	CameraID      string
	TimestampUTC  string
	Meta          []byte
	RawPath       string
	AnnotatedPath string
}

// Uploader delivers a capture to the remote side.
type Uploader interface {
	Upload(ctx context.Context, u Upload) error
}

// HTTPUploader posts captures as multipart/form-data with parts
// "meta" (application/json), "frame_raw" and optional "frame_annotated" (image/jpeg).
type HTTPUploader struct {
	url       string
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

// NewHTTPUploader creates an uploader for the given endpoint.
func NewHTTPUploader(url string, client *http.Client, timeout time.Duration, userAgent string) *HTTPUploader {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultUploadTimeout
	}
	return &HTTPUploader{url: url, client: client, timeout: timeout, userAgent: userAgent}
}

// Upload implements Uploader. Only HTTP 200 counts as success.
func (u *HTTPUploader) Upload(ctx context.Context, up Upload) error {
	body, contentType, err := encodeMultipart(up)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, body)
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if up.CaptureID != "" {
		req.Header.Set("Idempotency-Key", up.CaptureID)
	}
	if u.userAgent != "" {
		req.Header.Set("User-Agent", u.userAgent)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUploadRejected, resp.StatusCode)
	}
	return nil
}

func encodeMultipart(up Upload) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Disposition", `form-data; name="meta"`)
	metaHeader.Set("Content-Type", "application/json")
	part, err := w.CreatePart(metaHeader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create meta part: %w", err)
	}
	if _, err := part.Write(up.Meta); err != nil {
		return nil, "", fmt.Errorf("failed to write meta part: %w", err)
	}

	if err := attachFile(w, "frame_raw", "raw.jpg", up.RawPath); err != nil {
		return nil, "", err
	}
	if up.AnnotatedPath != "" {
		if err := attachFile(w, "frame_annotated", "annotated.jpg", up.AnnotatedPath); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return buf, w.FormDataContentType(), nil
}

func attachFile(w *multipart.Writer, field, filename, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", field, err)
	}
	defer f.Close()

	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", "image/jpeg")
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", field, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("failed to copy %s: %w", field, err)
	}
	return nil
}
