package msgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/driveforge/msdrive/internal/driveid"
)

// Fragment sizing constants. The modern API requires fragment sizes to be a
// multiple of the 320 KiB alignment unit; the legacy consumer API used a
// flat 5,000,000-byte fragment with no alignment rule. Both are plain
// configuration values injected through TransferOptions; backend variants
// are not modeled as types.
const (
	// ChunkAlignment is the required alignment for fragment sizes (320 KiB).
	ChunkAlignment = 320 * 1024

	// DefaultFragmentSize is 10 MiB: 32 alignment units.
	DefaultFragmentSize = 10 * 1024 * 1024

	// LegacyFragmentSize is the fragment size of the legacy consumer API.
	LegacyFragmentSize = 5_000_000

	// SimpleUploadMaxSize is the largest source eligible for single-request
	// upload. Larger sources must use a session.
	SimpleUploadMaxSize = 4 * 1024 * 1024

	// defaultMaxAttempts is the ceiling of whole-transfer attempts.
	defaultMaxAttempts = 3
)

// TransferOptions configures a chunked upload run.
type TransferOptions struct {
	// FragmentSize defaults to DefaultFragmentSize and must be a multiple
	// of ChunkAlignment unless LegacyFragments is set.
	FragmentSize int64

	// LegacyFragments disables the alignment rule for the legacy API.
	LegacyFragments bool

	// MaxAttempts is the whole-transfer attempt ceiling; defaults to 3.
	MaxAttempts int

	// Progress, when non-nil, receives one snapshot per accepted fragment,
	// including the fragment that completes the upload.
	Progress func(TransferProgress)
}

// attemptOutcome is the result of one whole-transfer attempt.
type attemptOutcome struct {
	result *UploadResult
	// fatal errors abort the transfer immediately (cancellation, 401,
	// undecodable completion body). A nil fatal with nil result means the
	// attempt was rejected and may be retried from byte zero.
	fatal error
}

// Upload drives an upload session to completion, sending successive byte
// ranges from src until the server acknowledges the whole file.
//
// A rejected fragment abandons the attempt: the cursor resets to byte zero
// and the next attempt resends everything from scratch. Partial progress
// within a failed attempt is not carried over. Callers that want to resume
// a partially-sent session instead of restarting can consult
// QueryUploadSession for the server's nextExpectedRanges. When the attempt
// ceiling is exhausted the transfer fails with ErrTransferExhausted.
//
// Only the current fragment is held in memory; src is read on demand and
// must be seekable so failed attempts can rewind. Cancellation is honored
// at every fragment boundary, never mid-fragment.
func (c *Client) Upload(
	ctx context.Context, src io.ReadSeeker, size int64, session *UploadSession, opts TransferOptions,
) (*UploadResult, error) {
	fragSize := opts.FragmentSize
	if fragSize == 0 {
		fragSize = DefaultFragmentSize
	}

	if fragSize <= 0 {
		return nil, fmt.Errorf("msgraph: fragment size %d must be positive", fragSize)
	}

	if size <= 0 {
		return nil, fmt.Errorf("msgraph: source size %d, zero-byte files use SimpleUpload", size)
	}

	if !opts.LegacyFragments && fragSize%ChunkAlignment != 0 {
		return nil, fmt.Errorf("msgraph: fragment size %d is not a multiple of %d", fragSize, ChunkAlignment)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	c.logger.Info("starting chunked upload",
		slog.Int64("size", size),
		slog.Int64("fragment_size", fragSize),
		slog.Int("max_attempts", maxAttempts),
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if _, err := src.Seek(0, io.SeekStart); err != nil {
				return nil, fmt.Errorf("msgraph: rewinding source for attempt %d: %w", attempt, err)
			}

			c.logger.Warn("restarting transfer from byte zero",
				slog.Int("attempt", attempt),
			)
		}

		outcome := c.runAttempt(ctx, src, size, session, fragSize, opts.Progress)
		if outcome.fatal != nil {
			return nil, outcome.fatal
		}

		if outcome.result != nil {
			c.logger.Info("upload complete",
				slog.String("item_id", outcome.result.Item.ID),
				slog.Int("attempts", attempt),
			)

			return outcome.result, nil
		}
	}

	c.logger.Error("upload failed, attempt ceiling reached",
		slog.Int("attempts", maxAttempts),
	)

	return nil, fmt.Errorf("msgraph: upload failed after %d attempts: %w", maxAttempts, ErrTransferExhausted)
}

// runAttempt sends fragments from byte zero until completion, rejection, or
// a fatal condition. A fresh fragment buffer is allocated per attempt.
func (c *Client) runAttempt(
	ctx context.Context, src io.Reader, size int64, session *UploadSession,
	fragSize int64, progress func(TransferProgress),
) attemptOutcome {
	buf := make([]byte, fragSize)

	var cursor int64

	for cursor < size {
		if err := ctx.Err(); err != nil {
			return attemptOutcome{fatal: fmt.Errorf("msgraph: upload canceled: %w", err)}
		}

		n := fragSize
		if remaining := size - cursor; remaining < n {
			n = remaining
		}

		if _, err := io.ReadFull(src, buf[:n]); err != nil {
			return attemptOutcome{fatal: fmt.Errorf("msgraph: reading source at offset %d: %w", cursor, err)}
		}

		outcome, accepted := c.sendFragment(ctx, session, buf[:n], cursor, size, progress)
		if !accepted {
			return outcome
		}

		cursor += n
	}

	// All fragments accepted with 202 but no completion response. Treat as
	// a rejected attempt so the retry loop restarts it.
	c.logger.Warn("server accepted final fragment without completing the item")

	return attemptOutcome{}
}

// sendFragment PUTs one byte range against the session URL and classifies
// the response. accepted is true only for 202; the caller advances the
// cursor and continues. Completion, rejection, and fatal conditions come
// back through the outcome.
func (c *Client) sendFragment(
	ctx context.Context, session *UploadSession, fragment []byte,
	offset, total int64, progress func(TransferProgress),
) (attemptOutcome, bool) {
	length := int64(len(fragment))
	contentRange := fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, total)

	c.logger.Debug("uploading fragment",
		slog.Int64("offset", offset),
		slog.Int64("length", length),
		slog.Int64("total", total),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.UploadURL, bytes.NewReader(fragment))
	if err != nil {
		return attemptOutcome{fatal: fmt.Errorf("msgraph: creating fragment request: %w", err)}, false
	}

	// The session URL is pre-authenticated: no Authorization header.
	req.Header.Set("Content-Range", contentRange)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", userAgent)
	req.ContentLength = length

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return attemptOutcome{fatal: fmt.Errorf("msgraph: upload canceled: %w", ctx.Err())}, false
		}

		// Transport failure: the attempt is rejected, never surfaced
		// individually.
		c.logger.Warn("fragment request failed",
			slog.Int64("offset", offset),
			slog.String("error", err.Error()),
		)

		return attemptOutcome{}, false
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		// Fragment received, more expected. Drain body to reuse connection.
		if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
			c.logger.Warn("draining fragment response failed",
				slog.String("error", drainErr.Error()),
			)
		}

		if progress != nil {
			progress(TransferProgress{BytesSent: offset + length, TotalBytes: total})
		}

		return attemptOutcome{}, true

	case http.StatusOK, http.StatusCreated:
		// Whole file stored (created or overwritten), the only normal
		// terminal state.
		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return attemptOutcome{fatal: fmt.Errorf("msgraph: reading completion response: %w", readErr)}, false
		}

		var dir driveItemResponse
		if decErr := unmarshalRaw(raw, &dir); decErr != nil {
			return attemptOutcome{fatal: decErr}, false
		}

		if progress != nil {
			progress(TransferProgress{BytesSent: offset + length, TotalBytes: total})
		}

		return attemptOutcome{result: &UploadResult{Item: dir.toItem(c.logger), Raw: raw}}, false

	case http.StatusUnauthorized:
		// A stale token will not become valid by resending the same bytes.
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message

		return attemptOutcome{fatal: &APIError{
			StatusCode: resp.StatusCode,
			RequestID:  resp.Header.Get("request-id"),
			Message:    string(body),
			Err:        ErrUnauthorized,
		}}, false

	default:
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message
		c.logger.Warn("fragment rejected",
			slog.Int("status", resp.StatusCode),
			slog.Int64("offset", offset),
			slog.String("body", string(body)),
		)

		return attemptOutcome{}, false
	}
}

// unmarshalRaw is decodeInto for an already-read body.
func unmarshalRaw(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return &DecodeError{Raw: raw, Err: err}
	}

	return nil
}

// SimpleUpload uploads a source of up to SimpleUploadMaxSize bytes as a new
// item under folder in a single PUT. For larger sources, use
// CreateUploadSession + Upload. The content is sent as application/octet-stream.
func (c *Client) SimpleUpload(
	ctx context.Context, folder *Item, name string, r io.Reader, size int64, ownDrive driveid.ID,
) (*Item, error) {
	if size > SimpleUploadMaxSize {
		return nil, fmt.Errorf("msgraph: %d bytes exceeds simple upload limit %d, use an upload session", size, SimpleUploadMaxSize)
	}

	loc := Locate(folder, ownDrive)
	path := fmt.Sprintf("%s:/%s:/content", loc.ItemPath(), url.PathEscape(name))

	c.logger.Info("simple upload",
		slog.String("path", path),
		slog.Int64("size", size),
	)

	resp, err := c.doRaw(ctx, http.MethodPut, path, "application/octet-stream", r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dir driveItemResponse
	if decErr := decodeInto(resp.Body, &dir); decErr != nil {
		return nil, decErr
	}

	item := dir.toItem(c.logger)

	return &item, nil
}
