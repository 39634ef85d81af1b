package media

import (
	"context"
	"io"
	"net/http"

	apperrors "github.com/louisbranch/offsync/internal/platform/errors"
	"github.com/louisbranch/offsync/internal/services/offline/transport"
)

// HTTPDownloader fetches assets with GET.
type HTTPDownloader struct {
	Client *http.Client
}

// Download returns the response body of a 2xx answer. Other statuses are
// classified like API responses.
func (d HTTPDownloader) Download(ctx context.Context, uri string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, "build media request", err)
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNetwork, "fetch media", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, transport.Check(transport.Response{Status: resp.StatusCode})
	}
	return resp.Body, nil
}

var _ Downloader = HTTPDownloader{}
