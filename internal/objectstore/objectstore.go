// Package objectstore uploads transcoded audio and returns URLs the speech
// backend can fetch.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"meeting-pipeline-go/internal/logger"
	"meeting-pipeline-go/internal/types"
)

// Store puts a local file under key and returns its public URL.
type Store interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}

// Key builds "<prefix>yyyy/MM/dd/<recordingID>/<slot>.m4a" from the task
// creation date.
func Key(prefix string, createdAt time.Time, recordingID string, speaker types.Speaker) string {
	return prefix + createdAt.Format("2006/01/02") + "/" + recordingID + "/" + speaker.Slot() + ".m4a"
}

// HTTP uploads with a PUT per object.
type HTTP struct {
	endpoint     string
	token        string
	httpClient   *http.Client
	maxRetryTime time.Duration
	log          *logger.Logger
}

func NewHTTP(endpoint, token string, timeout time.Duration, log *logger.Logger) *HTTP {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &HTTP{
		endpoint:     strings.TrimRight(endpoint, "/"),
		token:        token,
		httpClient:   &http.Client{Timeout: timeout},
		maxRetryTime: 30 * time.Second,
		log:          log,
	}
}

func (h *HTTP) Upload(ctx context.Context, localPath, key string) (string, error) {
	if h.endpoint == "" {
		return "", fmt.Errorf("OBJECT_STORE_ENDPOINT not set")
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", localPath, err)
	}
	target := h.endpoint + "/" + escapeKey(key)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = h.maxRetryTime
	var lastErr error
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.ContentLength = int64(len(data))
		req.Header.Set("Content-Type", "audio/mp4")
		if h.token != "" {
			req.Header.Set("Authorization", "Bearer "+h.token)
		}
		resp, err := h.httpClient.Do(req)
		if err != nil {
			lastErr = err
			return err
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("upload %s: server error %d: %s", key, resp.StatusCode, strings.TrimSpace(string(b)))
			return lastErr
		}
		if resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("upload %s: http %d: %s", key, resp.StatusCode, strings.TrimSpace(string(b)))
			return backoff.Permanent(lastErr)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if lastErr != nil {
			return "", lastErr
		}
		return "", err
	}
	h.log.WithField("key", key).WithField("bytes", len(data)).Info("object uploaded")
	return target, nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// Dir is a bucket backed by a local directory. Uploaded objects are
// addressed with file:// URLs.
type Dir struct {
	root string
}

func NewDir(root string) *Dir {
	return &Dir{root: root}
}

func (d *Dir) Upload(ctx context.Context, localPath, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean := path.Clean("/" + key)
	dst := filepath.Join(d.root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(dst)
	if err != nil {
		abs = dst
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}
