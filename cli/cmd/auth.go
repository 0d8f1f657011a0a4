package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fluxbase-eu/realtime-go/cli/util"
	"github.com/fluxbase-eu/realtime-go/internal/config"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage stored credentials",
	Long:  `Store realtime credentials in the system keychain, per profile.`,
}

var (
	loginAPIKey      string
	loginAccessToken string
)

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Save an API key in the system keychain",
	Long: `Save an API key, and optionally a user access token, in the system
keychain. Commands read them when client.api_key is not configured.

Examples:
  # Prompt for the key without echo
  realtime auth login

  # Non-interactive, named profile
  realtime auth login --profile prod --api-key "$ANON_KEY"`,
	RunE: runAuthLogin,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove stored credentials",
	Long: `Remove the keychain entry of the current or specified profile.

Examples:
  realtime auth logout
  realtime auth logout --profile prod`,
	RunE: runAuthLogout,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored credentials for a profile",
	RunE:  runAuthStatus,
}

func init() {
	authLoginCmd.Flags().StringVar(&loginAPIKey, "api-key", "", "API key to store")
	authLoginCmd.Flags().StringVar(&loginAccessToken, "access-token", "", "user access token (JWT) to store")

	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	store := config.NewKeychainStore()
	if !store.IsAvailable() {
		return fmt.Errorf("keychain is not available on this system; set REALTIME_CLIENT_API_KEY instead")
	}

	apiKey := loginAPIKey
	if apiKey == "" {
		if !util.IsInteractive() {
			return fmt.Errorf("--api-key is required when stdin is not a terminal")
		}
		var err error
		apiKey, err = util.ReadSecret("API key: ")
		if err != nil {
			return fmt.Errorf("failed to read API key: %w", err)
		}
	}
	if apiKey == "" {
		return fmt.Errorf("API key cannot be empty")
	}

	profile := activeProfile()
	if err := store.Save(profile, &config.Credentials{APIKey: apiKey, AccessToken: loginAccessToken}); err != nil {
		return err
	}

	GetFormatter().PrintSuccess(fmt.Sprintf("Credentials saved to keychain for profile '%s'.", profile))
	return nil
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	profile := activeProfile()
	if err := config.NewKeychainStore().Delete(profile); err != nil {
		return err
	}

	GetFormatter().PrintSuccess(fmt.Sprintf("Credentials removed for profile '%s'.", profile))
	return nil
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	profile := activeProfile()
	creds, err := config.NewKeychainStore().Load(profile)
	if err != nil {
		return err
	}

	out := GetFormatter()
	if creds == nil {
		out.PrintKeyValue(profile, "no stored credentials")
		return nil
	}

	if cfg != nil && cfg.Client.APIKey != "" && cfg.Client.APIKey != creds.APIKey {
		out.PrintWarning("client.api_key from config or environment takes precedence over the keychain")
	}
	out.PrintTable(singleRow(
		[]string{"PROFILE", "API KEY", "ACCESS TOKEN"},
		[]string{profile, util.MaskToken(creds.APIKey), util.MaskToken(creds.AccessToken)},
	))
	return nil
}
