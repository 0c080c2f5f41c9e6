package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driveforge/msdrive/internal/config"
	"github.com/driveforge/msdrive/internal/msgraph"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in with a device code",
		Args:  cobra.NoArgs,
		RunE:  runLogin,
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved login",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged-in account and drive quota",
		Args:  cobra.NoArgs,
		RunE:  runWhoami,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	tokenPath := config.TokenPath()
	if tokenPath == "" {
		return fmt.Errorf("cannot determine token path")
	}

	store, err := msgraph.Login(cmd.Context(), tokenPath, func(da msgraph.DeviceAuth) {
		fmt.Printf("To sign in, open %s and enter the code %s\n", da.VerificationURI, da.UserCode)
	}, logger)
	if err != nil {
		return err
	}

	baseURL := msgraph.DefaultBaseURL
	if resolvedCfg.API.BaseURL != "" {
		baseURL = resolvedCfg.API.BaseURL
	}

	client := msgraph.NewClient(baseURL, defaultHTTPClient(), store, logger)

	user, err := client.Me(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Logged in as %s (%s)\n", user.DisplayName, user.Email)

	return nil
}

func runLogout(_ *cobra.Command, _ []string) error {
	logger := buildLogger()

	if err := msgraph.Logout(config.TokenPath(), logger); err != nil {
		return err
	}

	fmt.Println("Logged out")

	return nil
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	client, _, err := newClient(cmd.Context())
	if err != nil {
		return err
	}

	user, err := client.Me(cmd.Context())
	if err != nil {
		return err
	}

	drive, err := client.DefaultDrive(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("%s (%s)\n", user.DisplayName, user.Email)
	fmt.Printf("Drive: %s (%s), %s used of %s\n",
		drive.Name, drive.DriveType, formatSize(drive.Used), formatSize(drive.Total))

	return nil
}
