package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install shell completions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !isInPath() {
			printPathInstructions()
			return nil
		}

		target, ok := completionTargetFor(detectShell())
		if !ok {
			fmt.Printf("❌ Shell completion not supported for: %s\n", detectShell())
			fmt.Println("Supported shells: bash, zsh, fish, powershell")
			return nil
		}
		if target.installed() {
			fmt.Println("✅ Already configured!")
			return nil
		}

		fmt.Println("📦 Installing completions...")
		if err := target.install(cmd.Root()); err != nil {
			return fmt.Errorf("failed to install completions: %w", err)
		}
		fmt.Println("✅ Done! Restart your shell to enable tab completion.")
		return nil
	},
}

// autoInstallCompletions sets up completions the first time gcsvc runs from
// an interactive shell. Daemons started by scripts never get here.
func autoInstallCompletions(cmd *cobra.Command) {
	switch cmd.Name() {
	case "install", "version", "help", "__complete":
		return
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return
	}
	target, ok := completionTargetFor(detectShell())
	if !ok || target.installed() {
		return
	}

	fmt.Println("🔧 First run detected, setting up gcsvc...")
	if err := target.install(cmd.Root()); err != nil {
		fmt.Println("⚠️  Auto-setup failed. Run 'gcsvc install' to try again.")
		return
	}
	fmt.Println("✅ Shell completions installed")
	fmt.Println("💡 Restart your shell to enable tab completion")
}

type completionTarget struct {
	dir      string
	file     string
	generate func(root *cobra.Command, w io.Writer) error
	activate string
}

func (t completionTarget) path() string {
	return filepath.Join(t.dir, t.file)
}

func (t completionTarget) installed() bool {
	_, err := os.Stat(t.path())
	return err == nil
}

func (t completionTarget) install(root *cobra.Command) error {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(t.path())
	if err != nil {
		return err
	}
	defer f.Close()

	if err := t.generate(root, f); err != nil {
		return err
	}
	fmt.Printf("🔄 Run this command to enable completions now:\n   %s\n", t.activate)
	return nil
}

func completionTargetFor(shell string) (completionTarget, bool) {
	home, _ := os.UserHomeDir()

	var t completionTarget
	switch shell {
	case "bash":
		t = completionTarget{
			dir:  filepath.Join(home, ".local/share/bash-completion/completions"),
			file: "gcsvc",
			generate: func(root *cobra.Command, w io.Writer) error {
				return root.GenBashCompletionV2(w, true)
			},
		}
		t.activate = "source " + t.path()
	case "zsh":
		t = completionTarget{
			dir:  filepath.Join(home, ".zsh/completions"),
			file: "_gcsvc",
			generate: func(root *cobra.Command, w io.Writer) error {
				return root.GenZshCompletion(w)
			},
		}
		t.activate = fmt.Sprintf("fpath=(%s $fpath) && autoload -U compinit && compinit", t.dir)
	case "fish":
		t = completionTarget{
			dir:  filepath.Join(home, ".config/fish/completions"),
			file: "gcsvc.fish",
			generate: func(root *cobra.Command, w io.Writer) error {
				return root.GenFishCompletion(w, true)
			},
			activate: "complete --do-complete=gcsvc",
		}
	case "powershell":
		t = completionTarget{
			dir:  home,
			file: "gcsvc_completion.ps1",
			generate: func(root *cobra.Command, w io.Writer) error {
				return root.GenPowerShellCompletionWithDesc(w)
			},
		}
		t.activate = ". " + t.path()
	default:
		return completionTarget{}, false
	}
	return t, true
}

func detectShell() string {
	if runtime.GOOS == "windows" {
		return "powershell"
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return filepath.Base(shell)
	}
	return "bash"
}

func isInPath() bool {
	execPath, err := os.Executable()
	if err != nil {
		return false
	}
	paths := strings.Split(os.Getenv("PATH"), string(os.PathListSeparator))
	return slices.Contains(paths, filepath.Dir(execPath))
}

func printPathInstructions() {
	execPath, _ := os.Executable()
	execDir := filepath.Dir(execPath)

	fmt.Printf("❌ gcsvc not in PATH. Binary location: %s\n\n", execPath)
	if runtime.GOOS == "windows" {
		fmt.Printf("Add to PATH: %s\n", execDir)
		return
	}
	fmt.Printf("Add to shell profile: export PATH=\"%s:$PATH\"\n", execDir)
	fmt.Println("Or copy to: /usr/local/bin")
}

func init() {
	rootCmd.AddCommand(installCmd)
}
