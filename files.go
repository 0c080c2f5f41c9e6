package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/driveforge/msdrive/internal/driveid"
	"github.com/driveforge/msdrive/internal/msgraph"
)

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List files and folders",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLs,
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Display file or folder metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  runStat,
	}
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE:  runMkdir,
	}
}

func newRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or folder (moves to the recycle bin)",
		Args:  cobra.ExactArgs(1),
		RunE:  runRm,
	}

	cmd.Flags().BoolP("recursive", "r", false, "confirm recursive folder deletion")

	return cmd
}

func newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <path> <new-path>",
		Short: "Move or rename a file or folder",
		Args:  cobra.ExactArgs(2),
		RunE:  runMv,
	}
}

func newCpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cp <path> <dest-folder>",
		Short: "Copy a file or folder server-side",
		Args:  cobra.ExactArgs(2),
		RunE:  runCp,
	}
}

func newShareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share <path>",
		Short: "Create a sharing link",
		Args:  cobra.ExactArgs(1),
		RunE:  runShare,
	}

	cmd.Flags().String("type", string(msgraph.LinkTypeView), "link type: view, edit, or embed")
	cmd.Flags().String("scope", "", "link scope: anonymous or organization (default: account default)")

	return cmd
}

// cleanRemotePath strips leading/trailing slashes, returns "" for root.
func cleanRemotePath(path string) string {
	return strings.Trim(path, "/")
}

// splitParentAndName splits a remote path into parent path and name.
// For "foo/bar/baz" returns ("foo/bar", "baz"). For "baz" returns ("", "baz").
func splitParentAndName(path string) (string, string) {
	clean := cleanRemotePath(path)
	idx := strings.LastIndex(clean, "/")

	if idx < 0 {
		return "", clean
	}

	return clean[:idx], clean[idx+1:]
}

// ownDriveID returns the caller's default drive id, used to route items
// through the locator cascade.
func ownDriveID(ctx context.Context, client *msgraph.Client) (driveid.ID, error) {
	drive, err := client.DefaultDrive(ctx)
	if err != nil {
		return driveid.ID{}, fmt.Errorf("resolving own drive: %w", err)
	}

	return drive.ID, nil
}

// statItem looks up an item by remote path on the caller's own drive.
func statItem(ctx context.Context, client *msgraph.Client, path string) (*msgraph.Item, error) {
	item, err := client.GetItemByPath(ctx, driveid.ID{}, cleanRemotePath(path))
	if err != nil {
		if errors.Is(err, msgraph.ErrNotFound) {
			return nil, fmt.Errorf("%s: not found", path)
		}

		return nil, err
	}

	return item, nil
}

func runLs(cmd *cobra.Command, args []string) error {
	client, _, err := newClient(cmd.Context())
	if err != nil {
		return err
	}

	path := ""
	if len(args) == 1 {
		path = args[0]
	}

	item, err := statItem(cmd.Context(), client, path)
	if err != nil {
		return err
	}

	if !item.IsFolder {
		fmt.Printf("%10s  %s  %s\n", formatSize(item.Size), formatTime(item.ModifiedAt), item.Name)
		return nil
	}

	own, err := ownDriveID(cmd.Context(), client)
	if err != nil {
		return err
	}

	children, err := client.ListChildren(cmd.Context(), msgraph.Locate(item, own))
	if err != nil {
		return err
	}

	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })

	for i := range children {
		child := &children[i]

		name := child.Name
		if child.IsFolder {
			name += "/"
		}

		fmt.Printf("%10s  %s  %s\n", formatSize(child.Size), formatTime(child.ModifiedAt), name)
	}

	return nil
}

func runStat(cmd *cobra.Command, args []string) error {
	client, _, err := newClient(cmd.Context())
	if err != nil {
		return err
	}

	item, err := statItem(cmd.Context(), client, args[0])
	if err != nil {
		return err
	}

	kind := "file"
	if item.IsFolder {
		kind = "folder"
	}

	fmt.Printf("Name:     %s\n", item.Name)
	fmt.Printf("Type:     %s\n", kind)
	fmt.Printf("ID:       %s\n", item.ID)
	fmt.Printf("Drive:    %s\n", item.DriveID)
	fmt.Printf("Size:     %s\n", formatSize(item.Size))
	fmt.Printf("Modified: %s\n", item.ModifiedAt.Format("2006-01-02 15:04:05"))

	if item.IsRemote() {
		fmt.Printf("Shared from drive %s\n", item.RemoteDriveID)
	}

	return nil
}

func runMkdir(cmd *cobra.Command, args []string) error {
	client, _, err := newClient(cmd.Context())
	if err != nil {
		return err
	}

	parentPath, name := splitParentAndName(args[0])
	if name == "" {
		return fmt.Errorf("mkdir: empty folder name")
	}

	parent, err := statItem(cmd.Context(), client, parentPath)
	if err != nil {
		return err
	}

	own, err := ownDriveID(cmd.Context(), client)
	if err != nil {
		return err
	}

	folder, err := client.CreateFolder(cmd.Context(), msgraph.Locate(parent, own), name)
	if err != nil {
		if errors.Is(err, msgraph.ErrConflict) {
			return fmt.Errorf("mkdir: %s already exists", args[0])
		}

		return err
	}

	statusf("Created folder %s\n", folder.Name)

	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	client, _, err := newClient(cmd.Context())
	if err != nil {
		return err
	}

	item, err := statItem(cmd.Context(), client, args[0])
	if err != nil {
		return err
	}

	recursive, err := cmd.Flags().GetBool("recursive")
	if err != nil {
		return err
	}
	if item.IsFolder && !recursive {
		return fmt.Errorf("rm: %s is a folder, pass -r to delete it and its contents", args[0])
	}

	own, err := ownDriveID(cmd.Context(), client)
	if err != nil {
		return err
	}

	if err := client.DeleteItem(cmd.Context(), msgraph.Locate(item, own)); err != nil {
		return err
	}

	statusf("Deleted %s\n", args[0])

	return nil
}

func runMv(cmd *cobra.Command, args []string) error {
	client, _, err := newClient(cmd.Context())
	if err != nil {
		return err
	}

	item, err := statItem(cmd.Context(), client, args[0])
	if err != nil {
		return err
	}

	own, err := ownDriveID(cmd.Context(), client)
	if err != nil {
		return err
	}

	destParentPath, destName := splitParentAndName(args[1])

	newParentID := ""

	srcParentPath, _ := splitParentAndName(args[0])
	if destParentPath != srcParentPath {
		destParent, parentErr := statItem(cmd.Context(), client, destParentPath)
		if parentErr != nil {
			return parentErr
		}

		newParentID = destParent.ID
	}

	newName := ""
	if destName != item.Name {
		newName = destName
	}

	moved, err := client.MoveItem(cmd.Context(), msgraph.Locate(item, own), newParentID, newName)
	if err != nil {
		if errors.Is(err, msgraph.ErrMoveNoChanges) {
			return fmt.Errorf("mv: source and destination are the same")
		}

		return err
	}

	statusf("Moved to %s\n", moved.Name)

	return nil
}

func runCp(cmd *cobra.Command, args []string) error {
	client, _, err := newClient(cmd.Context())
	if err != nil {
		return err
	}

	item, err := statItem(cmd.Context(), client, args[0])
	if err != nil {
		return err
	}

	destFolder, err := statItem(cmd.Context(), client, args[1])
	if err != nil {
		return err
	}

	if !destFolder.IsFolder {
		return fmt.Errorf("cp: %s is not a folder", args[1])
	}

	own, err := ownDriveID(cmd.Context(), client)
	if err != nil {
		return err
	}

	monitor, err := client.CopyItem(
		cmd.Context(), msgraph.Locate(item, own), destFolder.DriveID, destFolder.ID, "",
	)
	if err != nil {
		return err
	}

	statusf("Copy started")

	if monitor != "" && flagVerbose {
		statusf(" (monitor: %s)", monitor)
	}

	statusf("\n")

	return nil
}

func runShare(cmd *cobra.Command, args []string) error {
	client, _, err := newClient(cmd.Context())
	if err != nil {
		return err
	}

	item, err := statItem(cmd.Context(), client, args[0])
	if err != nil {
		return err
	}

	own, err := ownDriveID(cmd.Context(), client)
	if err != nil {
		return err
	}

	linkType, err := cmd.Flags().GetString("type")
	if err != nil {
		return err
	}
	scope, err := cmd.Flags().GetString("scope")
	if err != nil {
		return err
	}

	link, err := client.CreateShareLink(
		cmd.Context(), msgraph.Locate(item, own),
		msgraph.LinkType(linkType), msgraph.LinkScope(scope),
	)
	if err != nil {
		return err
	}

	fmt.Println(link.URL)

	return nil
}
