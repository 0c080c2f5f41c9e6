package msgraph

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/driveforge/msdrive/internal/driveid"
)

// User is the authenticated account's profile.
type User struct {
	ID          string
	DisplayName string
	Email       string
}

// userResponse mirrors the API /me JSON response.
type userResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Mail        string `json:"mail"`
	// UPN is a fallback when mail is empty (common on personal accounts).
	UPN string `json:"userPrincipalName"`
}

func (u *userResponse) toUser() User {
	email := u.Mail
	if email == "" {
		email = u.UPN
	}

	return User{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Email:       email,
	}
}

// drivesListResponse wraps the value array from GET /me/drives.
type drivesListResponse struct {
	Value []driveResponse `json:"value"`
}

// Me returns the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (*User, error) {
	c.logger.Info("fetching authenticated user profile")

	var ur userResponse
	if err := c.doJSON(ctx, http.MethodGet, "/me", nil, &ur); err != nil {
		return nil, err
	}

	user := ur.toUser()

	return &user, nil
}

// DefaultDrive returns the caller's own default drive, including quota.
func (c *Client) DefaultDrive(ctx context.Context) (*Drive, error) {
	c.logger.Info("fetching default drive")

	var dr driveResponse
	if err := c.doJSON(ctx, http.MethodGet, "/me/drive", nil, &dr); err != nil {
		return nil, err
	}

	drive := dr.toDrive()

	return &drive, nil
}

// GetDrive returns a drive by id.
func (c *Client) GetDrive(ctx context.Context, id driveid.ID) (*Drive, error) {
	c.logger.Info("fetching drive",
		slog.String("drive_id", id.String()),
	)

	var dr driveResponse
	if err := c.doJSON(ctx, http.MethodGet, "/drives/"+id.String(), nil, &dr); err != nil {
		return nil, err
	}

	drive := dr.toDrive()

	return &drive, nil
}

// ListDrives returns all drives available to the caller, including shared
// and site drives.
func (c *Client) ListDrives(ctx context.Context) ([]Drive, error) {
	c.logger.Info("listing drives")

	var dlr drivesListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/me/drives", nil, &dlr); err != nil {
		return nil, err
	}

	drives := make([]Drive, 0, len(dlr.Value))
	for i := range dlr.Value {
		drives = append(drives, dlr.Value[i].toDrive())
	}

	return drives, nil
}
