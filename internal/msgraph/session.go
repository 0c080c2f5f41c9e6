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
	"time"

	"github.com/driveforge/msdrive/internal/driveid"
)

// ConflictBehavior instructs the service how to handle an upload whose
// target name already exists.
type ConflictBehavior string

const (
	ConflictFail    ConflictBehavior = "fail"
	ConflictReplace ConflictBehavior = "replace"
	ConflictRename  ConflictBehavior = "rename"
)

// SessionTarget describes where an upload session lands: either an existing
// item to overwrite, or a new name under a destination folder. Exactly one
// of Overwrite or Folder must be set.
type SessionTarget struct {
	Overwrite *Item // existing item, addressed directly
	Folder    *Item // parent folder for a new item
	Name      string

	// Conflict defaults to ConflictReplace when empty.
	Conflict ConflictBehavior

	// ModTime, when non-zero, is preserved on the server instead of the
	// upload receipt time.
	ModTime time.Time

	// OwnDrive is the caller's default drive id, used to route the target
	// through the locator. Zero is allowed.
	OwnDrive driveid.ID
}

// Upload session request/response types for API JSON serialization.
type createUploadSessionRequest struct {
	Item uploadSessionItem `json:"item"`
}

type uploadSessionItem struct {
	ConflictBehavior string          `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // API annotation key
	FileSystemInfo   *fileSystemInfo `json:"fileSystemInfo,omitempty"`
}

// fileSystemInfo preserves local timestamps on upload, preventing the server
// from stamping receipt time instead.
type fileSystemInfo struct {
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
}

type uploadSessionResponse struct {
	UploadURL          string `json:"uploadUrl"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

type uploadSessionStatusResponse struct {
	UploadURL          string   `json:"uploadUrl"`
	ExpirationDateTime string   `json:"expirationDateTime"`
	NextExpectedRanges []string `json:"nextExpectedRanges"`
}

// CreateUploadSession negotiates a resumable upload session for the target.
// The returned session carries a pre-authenticated upload URL. Session
// creation is independently retryable; a failure here never consumes a
// transfer attempt.
func (c *Client) CreateUploadSession(ctx context.Context, target SessionTarget) (*UploadSession, error) {
	path, err := sessionPath(target)
	if err != nil {
		return nil, err
	}

	conflict := target.Conflict
	if conflict == "" {
		conflict = ConflictReplace
	}

	c.logger.Info("creating upload session",
		slog.String("path", path),
		slog.String("conflict_behavior", string(conflict)),
	)

	item := uploadSessionItem{ConflictBehavior: string(conflict)}
	if !target.ModTime.IsZero() {
		item.FileSystemInfo = &fileSystemInfo{
			LastModifiedDateTime: target.ModTime.UTC().Format(time.RFC3339),
		}
	}

	bodyBytes, err := json.Marshal(createUploadSessionRequest{Item: item})
	if err != nil {
		return nil, fmt.Errorf("msgraph: marshaling upload session request: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPost, path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.parseUploadSessionResponse(resp)
}

// sessionPath builds the session-creation path. Overwriting an existing item
// addresses the item directly; creating a new item addresses folder + name.
func sessionPath(target SessionTarget) (string, error) {
	switch {
	case target.Overwrite != nil && target.Folder != nil:
		return "", fmt.Errorf("msgraph: session target sets both overwrite item and folder")

	case target.Overwrite != nil:
		loc := Locate(target.Overwrite, target.OwnDrive)
		return loc.ItemPath() + "/createUploadSession", nil

	case target.Folder != nil:
		if target.Name == "" {
			return "", fmt.Errorf("msgraph: session target folder requires a name")
		}

		loc := Locate(target.Folder, target.OwnDrive)

		return fmt.Sprintf("%s:/%s:/createUploadSession", loc.ItemPath(), url.PathEscape(target.Name)), nil

	default:
		return "", fmt.Errorf("msgraph: session target needs an overwrite item or a folder")
	}
}

// QueryUploadSession queries an upload session's status to discover which
// byte ranges have been accepted. The session URL is pre-authenticated, so
// no Authorization header is sent.
func (c *Client) QueryUploadSession(ctx context.Context, session *UploadSession) (*UploadSessionStatus, error) {
	c.logger.Info("querying upload session status")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, session.UploadURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("msgraph: creating query session request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("msgraph: query upload session request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			RequestID:  resp.Header.Get("request-id"),
			Message:    string(body),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	var ssr uploadSessionStatusResponse
	if err := decodeInto(resp.Body, &ssr); err != nil {
		return nil, err
	}

	status := &UploadSessionStatus{
		UploadURL:          ssr.UploadURL,
		ExpirationTime:     c.parseSessionExpiry(ssr.ExpirationDateTime),
		NextExpectedRanges: ssr.NextExpectedRanges,
	}

	c.logger.Debug("upload session status",
		slog.Int("pending_ranges", len(status.NextExpectedRanges)),
	)

	return status, nil
}

// CancelUploadSession cancels an in-progress upload session.
// The session URL is pre-authenticated, so no Authorization header is sent.
func (c *Client) CancelUploadSession(ctx context.Context, session *UploadSession) error {
	c.logger.Info("canceling upload session")

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, session.UploadURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("msgraph: creating cancel session request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("msgraph: cancel upload session request failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain body to reuse the connection.
	if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
		return fmt.Errorf("msgraph: draining cancel session response body: %w", drainErr)
	}

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("msgraph: cancel upload session failed with status %d", resp.StatusCode)
	}

	c.logger.Debug("upload session canceled")

	return nil
}

// parseUploadSessionResponse parses the HTTP response from CreateUploadSession.
func (c *Client) parseUploadSessionResponse(resp *http.Response) (*UploadSession, error) {
	var usr uploadSessionResponse
	if err := decodeInto(resp.Body, &usr); err != nil {
		return nil, err
	}

	if usr.UploadURL == "" {
		return nil, fmt.Errorf("msgraph: upload session response missing uploadUrl")
	}

	session := &UploadSession{
		UploadURL:      usr.UploadURL,
		ExpirationTime: c.parseSessionExpiry(usr.ExpirationDateTime),
	}

	c.logger.Debug("upload session created",
		slog.Time("expires", session.ExpirationTime),
	)

	return session, nil
}

// parseSessionExpiry parses a session expiration timestamp, logging and
// returning the zero time on bad input.
func (c *Client) parseSessionExpiry(raw string) time.Time {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.logger.Warn("invalid session expiration, using zero time",
			slog.String("raw", raw),
			slog.String("error", err.Error()),
		)

		return time.Time{}
	}

	return t
}
