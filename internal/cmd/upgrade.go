package cmd

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/miyabi-org/miyabi/internal/build"
	"github.com/miyabi-org/miyabi/internal/upgrade"
)

func Upgrade() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "upgrade",
			Short: "Upgrade the binary to a newer release",
			Long: `Download the release asset built for this platform, verify its
checksum, and replace the running executable. The previous binary is put
back if the new one fails its self-check.

Installs managed by a package manager (Homebrew, snap, go install) are
left alone; the command tells you what to run instead.

Example:
  miyabi upgrade
  miyabi upgrade --check
  miyabi upgrade --tag v1.4.0 --keep-backup
`,
			Args: cobra.NoArgs,
		}, upgradeFlags, runUpgrade,
	)
}

var upgradeFlags = []commandLineFlag{checkFlag, tagFlag, forceFlag, prereleaseFlag, keepBackupFlag}

func runUpgrade(ctx *Context, _ []string) error {
	var opts upgrade.Options
	opts.CheckOnly, _ = ctx.Command.Flags().GetBool("check")
	opts.Target, _ = ctx.Command.Flags().GetString("tag")
	opts.Force, _ = ctx.Command.Flags().GetBool("force")
	opts.Prerelease, _ = ctx.Command.Flags().GetBool("prerelease")
	opts.KeepBackup, _ = ctx.Command.Flags().GetBool("keep-backup")

	result, err := upgrade.New(build.Version).Run(ctx, opts)
	if err != nil {
		return err
	}

	return ctx.Emit(result, upgradeMessage(result), func(w io.Writer) {
		renderUpgrade(w, result)
	})
}

func upgradeMessage(r *upgrade.Result) string {
	switch {
	case r.Upgraded:
		return fmt.Sprintf("upgraded to %s", r.Tag)
	case r.UpToDate:
		return fmt.Sprintf("already up to date (%s)", r.CurrentVersion)
	default:
		return fmt.Sprintf("%s is available", r.Tag)
	}
}

func renderUpgrade(w io.Writer, r *upgrade.Result) {
	switch {
	case r.Upgraded:
		fmt.Fprintf(w, "%s Upgraded from %s to %s\n", color.GreenString("✓"), r.CurrentVersion, r.TargetVersion)
		if r.BackupPath != "" {
			fmt.Fprintf(w, "  previous binary kept at %s\n", r.BackupPath)
		}
	case r.UpToDate:
		fmt.Fprintf(w, "%s %s is the newest release\n", color.GreenString("✓"), r.CurrentVersion)
	default:
		fmt.Fprintf(w, "%s is available (running %s)\n", color.YellowString(r.Tag), r.CurrentVersion)
		fmt.Fprintf(w, "  asset: %s\n", r.Asset)
		if r.URL != "" {
			fmt.Fprintf(w, "  notes: %s\n", r.URL)
		}
		fmt.Fprintln(w, "Run `miyabi upgrade` to install it.")
	}
}
