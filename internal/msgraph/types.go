package msgraph

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/driveforge/msdrive/internal/driveid"
)

// ChildCountUnknown indicates the child count was not present in the API response.
const ChildCountUnknown = -1

// Item represents a drive item (file, folder, or package).
// Fields are normalized from the API response; callers never see raw API data.
type Item struct {
	ID            string
	Name          string
	DriveID       driveid.ID // drive the item lives on, per its parent reference
	ParentID      string
	ParentDriveID driveid.ID
	Size          int64
	ETag          string
	CTag          string
	IsFolder      bool
	IsDeleted     bool
	IsPackage     bool
	MimeType      string
	SHA1Hash      string // hex (personal accounts only)
	SHA256Hash    string // hex (business accounts, sometimes)
	CreatedAt     time.Time
	ModifiedAt    time.Time
	ChildCount    int    // ChildCountUnknown if not present
	WebURL        string // public web link; personal shared items embed the owning drive in its query
	DownloadURL   string // pre-authenticated, ephemeral; never log

	// RemoteDriveID/RemoteItemID are set when the item is a share whose
	// canonical storage is another drive. The locator prefers these over
	// the parent reference.
	RemoteDriveID driveid.ID
	RemoteItemID  string
}

// IsRemote reports whether the item's canonical storage is another drive.
func (it *Item) IsRemote() bool {
	return it.RemoteItemID != ""
}

// Drive represents a drive with its quota.
type Drive struct {
	ID        driveid.ID
	Name      string
	DriveType string // "personal", "business", "documentLibrary"
	OwnerName string
	Total     int64
	Used      int64
	Remaining int64
}

// UploadSession is a server-allocated, single-use upload target.
// Created by CreateUploadSession, consumed by one Upload run.
type UploadSession struct {
	UploadURL      string
	ExpirationTime time.Time
}

// UploadSessionStatus reports which byte ranges an upload session still expects.
type UploadSessionStatus struct {
	UploadURL          string
	ExpirationTime     time.Time
	NextExpectedRanges []string
}

// TransferProgress is an immutable snapshot emitted once per accepted fragment.
type TransferProgress struct {
	BytesSent  int64
	TotalBytes int64
}

// UploadResult is the terminal success value of a chunked upload: the
// completed item plus the server's final response body preserved verbatim
// for diagnostics.
type UploadResult struct {
	Item Item
	Raw  []byte
}

// Timestamp validation bounds. Timestamps outside this range are replaced
// with the current time and a warning is logged.
const (
	minValidYear = 1970
	maxValidYear = 2100
)

// driveItemResponse mirrors the API driveItem JSON exactly.
// Unexported; callers use Item via toItem() normalization.
type driveItemResponse struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	Size                 int64            `json:"size"`
	ETag                 string           `json:"eTag"`
	CTag                 string           `json:"cTag"`
	WebURL               string           `json:"webUrl"`
	CreatedDateTime      string           `json:"createdDateTime"`
	LastModifiedDateTime string           `json:"lastModifiedDateTime"`
	ParentReference      *parentRef       `json:"parentReference"`
	RemoteItem           *remoteItemRef   `json:"remoteItem"`
	File                 *fileFacet       `json:"file"`
	Folder               *folderFacet     `json:"folder"`
	Deleted              *json.RawMessage `json:"deleted"`
	Package              *json.RawMessage `json:"package"`
	DownloadURL          string           `json:"@microsoft.graph.downloadUrl"` //nolint:tagliatelle // API annotation key
}

type parentRef struct {
	ID      string `json:"id"`
	DriveID string `json:"driveId"`
}

type remoteItemRef struct {
	ID              string     `json:"id"`
	ParentReference *parentRef `json:"parentReference"`
}

type fileFacet struct {
	MimeType string     `json:"mimeType"`
	Hashes   *hashFacet `json:"hashes"`
}

type hashFacet struct {
	SHA1Hash   string `json:"sha1Hash"`
	SHA256Hash string `json:"sha256Hash"`
}

type folderFacet struct {
	ChildCount int `json:"childCount"`
}

type driveResponse struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	DriveType string      `json:"driveType"`
	Owner     *ownerFacet `json:"owner"`
	Quota     *quotaFacet `json:"quota"`
}

type ownerFacet struct {
	User *struct {
		DisplayName string `json:"displayName"`
	} `json:"user"`
}

type quotaFacet struct {
	Total     int64 `json:"total"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
}

// toItem normalizes an API driveItem response into our Item type.
func (d *driveItemResponse) toItem(logger *slog.Logger) Item {
	item := Item{
		ID:          d.ID,
		Name:        d.Name,
		Size:        d.Size,
		ETag:        d.ETag,
		CTag:        d.CTag,
		WebURL:      d.WebURL,
		IsFolder:    d.Folder != nil,
		IsDeleted:   d.Deleted != nil,
		IsPackage:   d.Package != nil,
		ChildCount:  ChildCountUnknown,
		DownloadURL: d.DownloadURL,
	}

	if d.ParentReference != nil {
		item.DriveID = driveid.New(d.ParentReference.DriveID)
		item.ParentID = d.ParentReference.ID
		item.ParentDriveID = driveid.New(d.ParentReference.DriveID)
	}

	if d.RemoteItem != nil {
		item.RemoteItemID = d.RemoteItem.ID
		if d.RemoteItem.ParentReference != nil {
			item.RemoteDriveID = driveid.New(d.RemoteItem.ParentReference.DriveID)
		}
	}

	if d.Folder != nil {
		item.ChildCount = d.Folder.ChildCount
	}

	if d.File != nil {
		item.MimeType = d.File.MimeType

		if d.File.Hashes != nil {
			item.SHA1Hash = d.File.Hashes.SHA1Hash
			item.SHA256Hash = d.File.Hashes.SHA256Hash
		}
	}

	item.CreatedAt = parseTimestamp(d.CreatedDateTime, "createdDateTime", d.ID, logger)
	item.ModifiedAt = parseTimestamp(d.LastModifiedDateTime, "lastModifiedDateTime", d.ID, logger)

	return item
}

// toDrive normalizes an API drive response.
func (d *driveResponse) toDrive() Drive {
	drive := Drive{
		ID:        driveid.New(d.ID),
		Name:      d.Name,
		DriveType: strings.ToLower(d.DriveType),
	}

	if d.Owner != nil && d.Owner.User != nil {
		drive.OwnerName = d.Owner.User.DisplayName
	}

	if d.Quota != nil {
		drive.Total = d.Quota.Total
		drive.Used = d.Quota.Used
		drive.Remaining = d.Quota.Remaining
	}

	return drive
}

// parseTimestamp parses an RFC3339 timestamp and validates the year range.
// Invalid or out-of-range timestamps are replaced with time.Now().UTC() and logged.
func parseTimestamp(raw, field, itemID string, logger *slog.Logger) time.Time {
	if raw == "" {
		logger.Warn("empty timestamp, using current time",
			slog.String("field", field),
			slog.String("item_id", itemID),
		)

		return time.Now().UTC()
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		logger.Warn("invalid timestamp, using current time",
			slog.String("field", field),
			slog.String("item_id", itemID),
			slog.String("raw", raw),
			slog.String("error", err.Error()),
		)

		return time.Now().UTC()
	}

	if t.Year() < minValidYear || t.Year() > maxValidYear {
		logger.Warn("timestamp out of valid range, using current time",
			slog.String("field", field),
			slog.String("item_id", itemID),
			slog.String("raw", raw),
		)

		return time.Now().UTC()
	}

	return t
}
