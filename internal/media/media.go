// internal/media/media.go
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/webp"

	"omnisearch/internal/models"
)

// maxImageBytes caps a single download.
const maxImageBytes = 20 << 20

var (
	ErrImageDownload = errors.New("IMAGE_DOWNLOAD_FAILED")
	ErrImageDecode   = errors.New("IMAGE_DECODE_FAILED")
)

// Doer executes HTTP requests. *http.Client and the common http.Client satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Loader fetches remote images and normalizes them to PNG on disk.
type Loader struct {
	client Doer
}

func NewLoader(client Doer) *Loader {
	return &Loader{client: client}
}

// IsRemote reports whether ref is an http(s) URL.
func IsRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// Fetch downloads the bytes behind url.
func (l *Loader) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageDownload, err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrImageDownload, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageDownload, err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("%w: image larger than %d bytes", ErrImageDownload, maxImageBytes)
	}
	return data, nil
}

// Load resolves an input image reference. Remote references are downloaded,
// anything else is read from disk. The bytes are kept as-is.
func (l *Loader) Load(ctx context.Context, ref string) (models.Image, error) {
	var (
		data []byte
		err  error
	)
	if IsRemote(ref) {
		data, err = l.Fetch(ctx, ref)
	} else {
		data, err = os.ReadFile(ref)
	}
	if err != nil {
		return models.Image{}, err
	}
	return models.Image{
		Source:   ref,
		MIMEType: http.DetectContentType(data),
		Data:     data,
	}, nil
}

// Materialize makes sure url is stored as a PNG at path and returns it. An
// existing file at path is reused without touching the network.
func (l *Loader) Materialize(ctx context.Context, url, path string) (models.Image, error) {
	if data, err := os.ReadFile(path); err == nil {
		return models.Image{Source: url, Path: path, MIMEType: "image/png", Data: data}, nil
	}

	raw, err := l.Fetch(ctx, url)
	if err != nil {
		return models.Image{}, err
	}

	encoded, err := ToPNG(raw)
	if err != nil {
		return models.Image{}, err
	}

	if err := WriteFileAtomic(path, encoded); err != nil {
		return models.Image{}, err
	}
	return models.Image{Source: url, Path: path, MIMEType: "image/png", Data: encoded}, nil
}

// ToPNG decodes png, jpeg, gif or webp bytes and re-encodes them as PNG.
func ToPNG(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageDecode, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageDecode, err)
	}
	return buf.Bytes(), nil
}

// WriteFileAtomic writes data to a temp file next to path and renames it in place.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
