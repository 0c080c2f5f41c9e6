package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/text/unicode/norm"

	"github.com/driveforge/msdrive/internal/config"
	"github.com/driveforge/msdrive/internal/journal"
	"github.com/driveforge/msdrive/internal/msgraph"
)

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote-path> [local-path]",
		Short: "Download a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runGet,
	}
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <local-path> [remote-folder]",
		Short: "Upload a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runPut,
	}

	cmd.Flags().Bool("watch", false, "watch a local directory and upload changed files")
	cmd.Flags().String("on-conflict", string(msgraph.ConflictReplace), "name collision policy: fail, replace, or rename")

	return cmd
}

func newTransfersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfers",
		Short: "Manage journaled upload sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List open upload sessions",
		Args:  cobra.NoArgs,
		RunE:  runTransfersList,
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a journaled upload session",
		Args:  cobra.ExactArgs(1),
		RunE:  runTransfersCancel,
	})

	return cmd
}

func runGet(cmd *cobra.Command, args []string) error {
	client, _, err := newClient(cmd.Context())
	if err != nil {
		return err
	}

	remotePath := args[0]

	localPath := filepath.Base(cleanRemotePath(remotePath))
	if len(args) == 2 {
		localPath = args[1]
	}

	item, err := statItem(cmd.Context(), client, remotePath)
	if err != nil {
		return err
	}

	if item.IsFolder {
		return fmt.Errorf("get: %s is a folder", remotePath)
	}

	own, err := ownDriveID(cmd.Context(), client)
	if err != nil {
		return err
	}

	n, err := client.DownloadToFile(cmd.Context(), msgraph.Locate(item, own), localPath)
	if err != nil {
		return err
	}

	statusf("Downloaded %s (%s)\n", localPath, formatSize(n))

	return nil
}

func runPut(cmd *cobra.Command, args []string) error {
	client, logger, err := newClient(cmd.Context())
	if err != nil {
		return err
	}

	localPath := args[0]

	remoteFolder := ""
	if len(args) == 2 {
		remoteFolder = args[1]
	}

	conflict, err := cmd.Flags().GetString("on-conflict")
	if err != nil {
		return err
	}
	watch, err := cmd.Flags().GetBool("watch")
	if err != nil {
		return err
	}

	if watch {
		return watchAndUpload(cmd.Context(), client, logger, localPath, remoteFolder, msgraph.ConflictBehavior(conflict))
	}

	return uploadFile(cmd.Context(), client, logger, localPath, remoteFolder, msgraph.ConflictBehavior(conflict))
}

// uploadFile uploads one local file into the remote folder, choosing the
// simple single-request path for small files and a journaled resumable
// session otherwise.
func uploadFile(
	ctx context.Context, client *msgraph.Client, logger *slog.Logger,
	localPath, remoteFolder string, conflict msgraph.ConflictBehavior,
) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}

	if fi.IsDir() {
		return fmt.Errorf("put: %s is a directory (use --watch to upload its changing files)", localPath)
	}

	// NFC-normalize the remote name: macOS file systems hand out NFD names
	// and the service treats the two forms as different files.
	name := norm.NFC.String(filepath.Base(localPath))

	folder, err := statItem(ctx, client, remoteFolder)
	if err != nil {
		return err
	}

	if !folder.IsFolder {
		return fmt.Errorf("put: %s is not a folder", remoteFolder)
	}

	own, err := ownDriveID(ctx, client)
	if err != nil {
		return err
	}

	if fi.Size() <= msgraph.SimpleUploadMaxSize {
		item, upErr := client.SimpleUpload(ctx, folder, name, f, fi.Size(), own)
		if upErr != nil {
			return upErr
		}

		statusf("Uploaded %s (%s)\n", item.Name, formatSize(item.Size))

		return nil
	}

	session, err := client.CreateUploadSession(ctx, msgraph.SessionTarget{
		Folder:   folder,
		Name:     name,
		Conflict: conflict,
		ModTime:  fi.ModTime(),
		OwnDrive: own,
	})
	if err != nil {
		return err
	}

	remotePath := cleanRemotePath(remoteFolder) + "/" + name

	jnl, journalID := journalSession(ctx, logger, localPath, remotePath, session, fi.Size())
	if jnl != nil {
		defer jnl.Close()
	}

	result, err := client.Upload(ctx, f, fi.Size(), session, transferOptions(progressPrinter(name)))
	if err != nil {
		if errors.Is(err, msgraph.ErrTransferExhausted) {
			return fmt.Errorf("put: upload of %s gave up after repeated failures, try again later", localPath)
		}

		return err
	}

	if jnl != nil {
		if rmErr := jnl.Remove(ctx, journalID); rmErr != nil {
			logger.Warn("failed to clear journaled session", slog.String("error", rmErr.Error()))
		}
	}

	statusf("Uploaded %s (%s)\n", result.Item.Name, formatSize(result.Item.Size))

	return nil
}

// journalSession best-effort records the session so `transfers` can find it
// after a crash. Journal failures never block the upload.
func journalSession(
	ctx context.Context, logger *slog.Logger,
	localPath, remotePath string, session *msgraph.UploadSession, size int64,
) (*journal.Journal, int64) {
	path := config.JournalPath()
	if path == "" {
		return nil, 0
	}

	jnl, err := journal.Open(ctx, path, logger)
	if err != nil {
		logger.Warn("transfer journal unavailable", slog.String("error", err.Error()))
		return nil, 0
	}

	id, err := jnl.Record(ctx, journal.Entry{
		LocalPath:  localPath,
		RemotePath: remotePath,
		UploadURL:  session.UploadURL,
		Size:       size,
		CreatedAt:  time.Now(),
		ExpiresAt:  session.ExpirationTime,
	})
	if err != nil {
		logger.Warn("failed to journal session", slog.String("error", err.Error()))
		jnl.Close()

		return nil, 0
	}

	return jnl, id
}

// progressPrinter renders fragment progress on stderr when it is a TTY.
// Returns nil (no progress events) otherwise.
func progressPrinter(name string) func(msgraph.TransferProgress) {
	if flagQuiet || !isatty.IsTerminal(os.Stderr.Fd()) {
		return nil
	}

	return func(p msgraph.TransferProgress) {
		pct := int64(0)
		if p.TotalBytes > 0 {
			pct = p.BytesSent * 100 / p.TotalBytes
		}

		fmt.Fprintf(os.Stderr, "\r%s: %s / %s (%d%%)", name,
			formatSize(p.BytesSent), formatSize(p.TotalBytes), pct)

		if p.BytesSent >= p.TotalBytes {
			fmt.Fprintln(os.Stderr)
		}
	}
}

// watchAndUpload watches a local directory and re-uploads files as they are
// created or modified, until the context is canceled.
func watchAndUpload(
	ctx context.Context, client *msgraph.Client, logger *slog.Logger,
	localDir, remoteFolder string, conflict msgraph.ConflictBehavior,
) error {
	fi, err := os.Stat(localDir)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}

	if !fi.IsDir() {
		return fmt.Errorf("put: --watch requires a directory, got %s", localDir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("put: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(localDir); err != nil {
		return fmt.Errorf("put: watching %s: %w", localDir, err)
	}

	statusf("Watching %s, uploading changes to /%s\n", localDir, cleanRemotePath(remoteFolder))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if skipWatchedFile(event.Name) {
				continue
			}

			logger.Info("local change detected",
				slog.String("path", event.Name),
				slog.String("op", event.Op.String()),
			)

			if upErr := uploadFile(ctx, client, logger, event.Name, remoteFolder, conflict); upErr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				logger.Warn("upload failed, continuing watch",
					slog.String("path", event.Name),
					slog.String("error", upErr.Error()),
				)
			}

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

// skipWatchedFile filters directories, hidden files, and editor temp files
// out of the watch stream.
func skipWatchedFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return true
	}

	fi, err := os.Stat(path)
	if err != nil {
		// Deleted between event and stat.
		return true
	}

	return !fi.Mode().IsRegular()
}

func runTransfersList(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	jnl, err := journal.Open(cmd.Context(), config.JournalPath(), logger)
	if err != nil {
		return err
	}
	defer jnl.Close()

	entries, err := jnl.List(cmd.Context())
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		statusf("No open upload sessions\n")
		return nil
	}

	for _, e := range entries {
		state := "open"
		if !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(time.Now()) {
			state = "expired"
		}

		fmt.Printf("%4d  %-8s %10s  %s -> %s\n",
			e.ID, state, formatSize(e.Size), e.LocalPath, e.RemotePath)
	}

	return nil
}

func runTransfersCancel(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("transfers cancel: invalid id %q", args[0])
	}

	client, logger, err := newClient(cmd.Context())
	if err != nil {
		return err
	}

	jnl, err := journal.Open(cmd.Context(), config.JournalPath(), logger)
	if err != nil {
		return err
	}
	defer jnl.Close()

	entry, err := jnl.Get(cmd.Context(), id)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			return fmt.Errorf("transfers cancel: no session with id %d", id)
		}

		return err
	}

	cancelErr := client.CancelUploadSession(cmd.Context(), &msgraph.UploadSession{UploadURL: entry.UploadURL})
	if cancelErr != nil {
		// Expired sessions are gone server-side; still clear the journal.
		logger.Warn("cancel request failed, clearing journal anyway",
			slog.String("error", cancelErr.Error()),
		)
	}

	if err := jnl.Remove(cmd.Context(), id); err != nil {
		return err
	}

	statusf("Canceled session %d (%s)\n", id, entry.RemotePath)

	return nil
}
