package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for the realtime CLI.

To load completions:

Bash:
  $ source <(realtime completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ realtime completion bash > /etc/bash_completion.d/realtime
  # macOS:
  $ realtime completion bash > $(brew --prefix)/etc/bash_completion.d/realtime

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. You can execute the following once:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ realtime completion zsh > "${fpath[1]}/_realtime"

  # You will need to start a new shell for this setup to take effect.

Fish:
  $ realtime completion fish | source

  # To load completions for each session, execute once:
  $ realtime completion fish > ~/.config/fish/completions/realtime.fish

PowerShell:
  PS> realtime completion powershell | Out-String | Invoke-Expression

  # To load completions for every new session, run:
  PS> realtime completion powershell > realtime.ps1
  # and source this file from your PowerShell profile.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	Run: func(cmd *cobra.Command, args []string) {
		switch args[0] {
		case "bash":
			_ = cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			_ = cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			_ = cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			_ = cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
	},
}
