package msgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/driveforge/msdrive/internal/driveid"
)

// listChildrenPageSize is the $top value for ListChildren requests.
// 200 is the maximum the API allows for drive item collections.
const listChildrenPageSize = 200

// encodePathSegments URL-encodes each segment of a slash-separated path.
// Characters like #, ?, %, and spaces are encoded per-segment so the
// resulting path is safe for interpolation into API URLs.
func encodePathSegments(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.Join(segments, "/")
}

// drivePath returns the API prefix for a drive: the caller's own drive when
// id is zero, an explicit drive otherwise.
func drivePath(id driveid.ID) string {
	if id.IsZero() {
		return "/me/drive"
	}

	return "/drives/" + id.String()
}

type listChildrenResponse struct {
	Value    []driveItemResponse `json:"value"`
	NextLink string              `json:"@odata.nextLink"` //nolint:tagliatelle // OData annotation key
}

type createFolderRequest struct {
	Name             string      `json:"name"`
	Folder           folderFacet `json:"folder"`
	ConflictBehavior string      `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // API annotation key
}

type moveItemRequest struct {
	ParentReference *itemRefBody `json:"parentReference,omitempty"`
	Name            string       `json:"name,omitempty"`
}

type copyItemRequest struct {
	ParentReference *itemRefBody `json:"parentReference,omitempty"`
	Name            string       `json:"name,omitempty"`
}

type itemRefBody struct {
	ID      string `json:"id"`
	DriveID string `json:"driveId,omitempty"`
}

// fetchItem fetches a single drive item from the given API path and decodes it.
func (c *Client) fetchItem(ctx context.Context, apiPath string) (*Item, error) {
	resp, err := c.Do(ctx, http.MethodGet, apiPath, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dir driveItemResponse
	if err := decodeInto(resp.Body, &dir); err != nil {
		return nil, err
	}

	item := dir.toItem(c.logger)

	return &item, nil
}

// GetItem retrieves a single drive item at the given location.
func (c *Client) GetItem(ctx context.Context, loc Location) (*Item, error) {
	c.logger.Info("getting item",
		slog.String("kind", loc.Kind.String()),
		slog.String("item_id", loc.ItemID),
	)

	return c.fetchItem(ctx, loc.ItemPath())
}

// GetItemByPath retrieves a drive item by its path relative to the drive
// root. The path must not have a leading slash; for the root itself pass "".
// A zero drive addresses the caller's own drive.
func (c *Client) GetItemByPath(ctx context.Context, drive driveid.ID, remotePath string) (*Item, error) {
	c.logger.Info("getting item by path",
		slog.String("drive_id", drive.String()),
		slog.String("path", remotePath),
	)

	if remotePath == "" {
		return c.fetchItem(ctx, drivePath(drive)+"/root")
	}

	return c.fetchItem(ctx, fmt.Sprintf("%s/root:/%s:", drivePath(drive), encodePathSegments(remotePath)))
}

// ListChildren returns all children of the located folder, handling
// pagination automatically.
func (c *Client) ListChildren(ctx context.Context, loc Location) ([]Item, error) {
	c.logger.Info("listing children",
		slog.String("kind", loc.Kind.String()),
		slog.String("item_id", loc.ItemID),
	)

	apiPath := fmt.Sprintf("%s/children?$top=%d", loc.ItemPath(), listChildrenPageSize)

	var items []Item

	page := 1

	for apiPath != "" {
		pageItems, nextPath, err := c.listChildrenPage(ctx, apiPath, page)
		if err != nil {
			return nil, err
		}

		items = append(items, pageItems...)
		apiPath = nextPath
		page++
	}

	c.logger.Info("listed children complete",
		slog.Int("total_items", len(items)),
	)

	return items, nil
}

// listChildrenPage fetches a single page of children and returns the items
// and the next page path (empty if no more pages).
func (c *Client) listChildrenPage(ctx context.Context, path string, page int) ([]Item, string, error) {
	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	var lcr listChildrenResponse
	if err := decodeInto(resp.Body, &lcr); err != nil {
		return nil, "", err
	}

	items := make([]Item, 0, len(lcr.Value))
	for i := range lcr.Value {
		items = append(items, lcr.Value[i].toItem(c.logger))
	}

	c.logger.Debug("fetched children page",
		slog.Int("page", page),
		slog.Int("count", len(items)),
	)

	var nextPath string
	if lcr.NextLink != "" {
		var stripErr error

		nextPath, stripErr = c.stripBaseURL(lcr.NextLink)
		if stripErr != nil {
			return nil, "", stripErr
		}
	}

	return items, nextPath, nil
}

// stripBaseURL removes the client's base URL prefix from a full URL,
// returning the path + query string for use with Do().
func (c *Client) stripBaseURL(fullURL string) (string, error) {
	if !strings.HasPrefix(fullURL, c.baseURL) {
		return "", fmt.Errorf("msgraph: nextLink URL %q does not match base URL %q", fullURL, c.baseURL)
	}

	return fullURL[len(c.baseURL):], nil
}

// CreateFolder creates a new folder under the located parent.
// Uses conflictBehavior "fail" and returns ErrConflict (409) on name collision.
func (c *Client) CreateFolder(ctx context.Context, parent Location, name string) (*Item, error) {
	c.logger.Info("creating folder",
		slog.String("parent_id", parent.ItemID),
		slog.String("name", name),
	)

	reqBody := createFolderRequest{
		Name:             name,
		Folder:           folderFacet{},
		ConflictBehavior: string(ConflictFail),
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("msgraph: marshaling create folder request: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPost, parent.ItemPath()+"/children", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dir driveItemResponse
	if err := decodeInto(resp.Body, &dir); err != nil {
		return nil, err
	}

	item := dir.toItem(c.logger)

	return &item, nil
}

// ErrMoveNoChanges is returned when MoveItem is called with both newParentID
// and newName empty; at least one must be specified.
var ErrMoveNoChanges = errors.New("msgraph: MoveItem requires at least one of newParentID or newName")

// MoveItem moves and/or renames the located item. At least one of
// newParentID or newName must be non-empty.
func (c *Client) MoveItem(ctx context.Context, loc Location, newParentID, newName string) (*Item, error) {
	if newParentID == "" && newName == "" {
		return nil, ErrMoveNoChanges
	}

	c.logger.Info("moving item",
		slog.String("item_id", loc.ItemID),
		slog.String("new_parent_id", newParentID),
		slog.String("new_name", newName),
	)

	req := moveItemRequest{Name: newName}
	if newParentID != "" {
		req.ParentReference = &itemRefBody{ID: newParentID}
	}

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("msgraph: marshaling move request: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPatch, loc.ItemPath(), bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dir driveItemResponse
	if err := decodeInto(resp.Body, &dir); err != nil {
		return nil, err
	}

	item := dir.toItem(c.logger)

	return &item, nil
}

// CopyItem starts a server-side copy of the located item into the
// destination folder. Copies are asynchronous: the service answers 202 with
// a Location header naming a monitor URL, which is returned for callers
// that want to poll.
func (c *Client) CopyItem(
	ctx context.Context, loc Location, destDrive driveid.ID, destFolderID, newName string,
) (string, error) {
	c.logger.Info("copying item",
		slog.String("item_id", loc.ItemID),
		slog.String("dest_folder_id", destFolderID),
	)

	req := copyItemRequest{
		ParentReference: &itemRefBody{ID: destFolderID, DriveID: destDrive.String()},
		Name:            newName,
	}

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("msgraph: marshaling copy request: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPost, loc.ItemPath()+"/copy", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
		return "", fmt.Errorf("msgraph: draining copy response body: %w", drainErr)
	}

	monitor := resp.Header.Get("Location")
	if monitor == "" {
		c.logger.Warn("copy accepted without a monitor URL")
	}

	return monitor, nil
}

// DeleteItem deletes the located item (moves it to the recycle bin).
// Returns nil on success (HTTP 204).
func (c *Client) DeleteItem(ctx context.Context, loc Location) error {
	c.logger.Info("deleting item",
		slog.String("kind", loc.Kind.String()),
		slog.String("item_id", loc.ItemID),
	)

	resp, err := c.Do(ctx, http.MethodDelete, loc.ItemPath(), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, copyErr := io.Copy(io.Discard, resp.Body); copyErr != nil {
		return fmt.Errorf("msgraph: draining delete response body: %w", copyErr)
	}

	return nil
}

// Search finds items matching the query anywhere under the drive root.
// A zero drive searches the caller's own drive.
func (c *Client) Search(ctx context.Context, drive driveid.ID, query string) ([]Item, error) {
	c.logger.Info("searching items",
		slog.String("drive_id", drive.String()),
		slog.String("query", query),
	)

	// Single quotes delimit the OData string literal and are escaped by
	// doubling; url.PathEscape leaves them alone.
	quoted := strings.ReplaceAll(query, "'", "''")

	apiPath := fmt.Sprintf("%s/root/search(q='%s')?$top=%d",
		drivePath(drive), url.PathEscape(quoted), listChildrenPageSize)

	var items []Item

	page := 1

	for apiPath != "" {
		pageItems, nextPath, err := c.listChildrenPage(ctx, apiPath, page)
		if err != nil {
			return nil, err
		}

		items = append(items, pageItems...)
		apiPath = nextPath
		page++
	}

	return items, nil
}
