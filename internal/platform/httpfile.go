package platform

import (
	"context"
	"io"
	"mime"
	"net/http"
	"os"
	"strings"

	"github.com/JonnyShabli/mediagrab/internal/apperr"
	"github.com/pkg/errors"
)

const (
	chunkSize  = 32 * 1024
	partSuffix = ".part"
)

var defaultAllowedTypes = []string{"image/", "video/", "application/octet-stream"}

// FileFetcher downloads single files over HTTP into a temporary .part file and
// renames it into place once complete.
type FileFetcher struct {
	client       *http.Client
	header       http.Header
	allowedTypes []string
}

func NewFileFetcher(client *http.Client, header http.Header) *FileFetcher {
	return &FileFetcher{
		client:       client,
		header:       header,
		allowedTypes: defaultAllowedTypes,
	}
}

// FetchFile writes rawURL to dest. onChunk is called after every chunk write
// with the number of bytes written.
func (f *FileFetcher) FetchFile(ctx context.Context, rawURL, dest string, onChunk func(n int)) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, apperr.Validation("invalid file url %q", rawURL)
	}
	for k, v := range f.header {
		req.Header[k] = v
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, classify(ctx, "fetch file", errors.Wrapf(err, "get %s", rawURL))
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, rawURL); err != nil {
		return 0, err
	}
	if err := f.checkType(resp.Header.Get("Content-Type")); err != nil {
		return 0, err
	}

	tmp := dest + partSuffix
	out, err := os.Create(tmp)
	if err != nil {
		return 0, apperr.Internal("create file", err)
	}

	written, err := copyChunks(ctx, out, resp.Body, onChunk)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return written, classify(ctx, "write file", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return written, apperr.Internal("rename file", err)
	}
	return written, nil
}

func (f *FileFetcher) checkType(contentType string) error {
	if len(f.allowedTypes) == 0 {
		return nil
	}
	if contentType == "" {
		return apperr.Validation("content type is empty")
	}
	mimeType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return apperr.Validation("bad content type %q", contentType)
	}
	for _, t := range f.allowedTypes {
		if mimeType == t || (strings.HasSuffix(t, "/") && strings.HasPrefix(mimeType, t)) {
			return nil
		}
	}
	return apperr.Validation("%s type is not allowed", mimeType)
}

// copyChunks copies src to dst in fixed chunks, checking ctx before every read.
func copyChunks(ctx context.Context, dst io.Writer, src io.Reader, onChunk func(n int)) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, errors.Wrap(werr, "write chunk")
			}
			written += int64(n)
			if onChunk != nil {
				onChunk(n)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, errors.Wrap(rerr, "read chunk")
		}
	}
}
