package raster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// headerPrefetch is the number of leading bytes fetched when a remote dataset is
// opened. Cloud optimized GeoTIFFs keep their directories in this prefix.
const headerPrefetch = 64 << 10

// ErrRemote is returned when a remote raster cannot be read.
var ErrRemote = errors.New("remote raster request failed")

// Opener opens a dataset by reference.
type Opener interface {
	Open(ctx context.Context, ref string) (*Dataset, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, ref string) (*Dataset, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, ref string) (*Dataset, error) {
	return f(ctx, ref)
}

// IsRemote reports whether ref is an http(s) URL.
func IsRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// Open opens a GeoTIFF from a local path, a file:// URL or an http(s) URL. Remote
// datasets are read with HTTP range requests bound to ctx for their whole lifetime.
func Open(ctx context.Context, ref string, client *http.Client) (*Dataset, error) {
	ref = strings.TrimSpace(ref)
	if IsRemote(ref) {
		return OpenURL(ctx, ref, client)
	}
	return OpenFile(strings.TrimPrefix(ref, "file://"))
}

// OpenFile opens a local GeoTIFF.
func OpenFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", path, err)
	}
	d, err := Decode(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode %q: %w", path, err)
	}
	d.closer = f
	return d, nil
}

// OpenURL opens a remote GeoTIFF through HTTP range requests.
func OpenURL(ctx context.Context, url string, client *http.Client) (*Dataset, error) {
	if client == nil {
		client = http.DefaultClient
	}
	rr := &rangeReader{ctx: ctx, url: url, client: client}
	head := make([]byte, headerPrefetch)
	n, err := rr.fetch(head, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	rr.head = head[:n]

	d, err := Decode(rr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %q: %w", url, err)
	}
	return d, nil
}

// rangeReader is an io.ReaderAt over HTTP range requests.
type rangeReader struct {
	ctx    context.Context
	url    string
	client *http.Client
	head   []byte
}

func (r *rangeReader) ReadAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) <= int64(len(r.head)) {
		return copy(p, r.head[off:]), nil
	}
	return r.fetch(p, off)
}

func (r *rangeReader) fetch(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))
	req.Header.Set("User-Agent", "biomass-estimator/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRemote, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// The server ignored the range header.
		if _, err := io.CopyN(io.Discard, resp.Body, off); err != nil {
			return 0, io.EOF
		}
	case http.StatusRequestedRangeNotSatisfiable:
		return 0, io.EOF
	default:
		return 0, fmt.Errorf("%w: %s returned status %d", ErrRemote, r.url, resp.StatusCode)
	}

	n, err := io.ReadFull(resp.Body, p)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return n, io.EOF
	}
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrRemote, err)
	}
	return n, nil
}
