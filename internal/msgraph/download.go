package msgraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
)

// ErrNoDownloadURL is returned when a drive item has no pre-authenticated
// download URL. This happens for folders, packages, and zero-byte files.
var ErrNoDownloadURL = errors.New("msgraph: item has no download URL")

// Download streams the content of the located item to the given writer.
// It first fetches the item metadata to obtain the pre-authenticated
// download URL, then streams directly from that URL. Returns the number of
// bytes written.
func (c *Client) Download(ctx context.Context, loc Location, w io.Writer) (int64, error) {
	c.logger.Info("downloading item",
		slog.String("kind", loc.Kind.String()),
		slog.String("item_id", loc.ItemID),
	)

	item, err := c.GetItem(ctx, loc)
	if err != nil {
		return 0, fmt.Errorf("msgraph: getting item for download: %w", err)
	}

	if item.DownloadURL == "" {
		// Expected for folders, packages, and zero-byte files.
		c.logger.Warn("item has no download URL",
			slog.String("item_id", loc.ItemID),
			slog.Bool("is_folder", item.IsFolder),
			slog.Bool("is_package", item.IsPackage),
		)

		return 0, ErrNoDownloadURL
	}

	return c.downloadFromURL(ctx, item.DownloadURL, w)
}

// DownloadToFile downloads the located item to localPath via a temp file in
// the same directory, renamed into place only when the whole stream arrived.
func (c *Client) DownloadToFile(ctx context.Context, loc Location, localPath string) (int64, error) {
	dir := filepath.Dir(localPath)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(localPath)+".partial-*")
	if err != nil {
		return 0, fmt.Errorf("msgraph: creating partial file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	n, err := c.Download(ctx, loc, tmp)
	if err != nil {
		tmp.Close()
		return n, err
	}

	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("msgraph: closing partial file: %w", err)
	}

	if err := os.Rename(tmpPath, localPath); err != nil {
		return n, fmt.Errorf("msgraph: renaming download into place: %w", err)
	}

	success = true

	return n, nil
}

// downloadFromURL streams content from a pre-authenticated URL directly to
// the writer. No Authorization header is sent, and the URL itself is never
// logged because it embeds auth tokens.
func (c *Client) downloadFromURL(ctx context.Context, downloadURL string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("msgraph: creating download request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("msgraph: download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message

		return 0, &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	n, copyErr := io.Copy(w, resp.Body)
	if copyErr != nil {
		c.logger.Error("streaming download content failed",
			slog.String("error", copyErr.Error()),
			slog.Int64("bytes_before_error", n),
		)

		return n, fmt.Errorf("msgraph: streaming download content: %w", copyErr)
	}

	c.logger.Debug("download complete",
		slog.Int64("bytes_written", n),
	)

	return n, nil
}
