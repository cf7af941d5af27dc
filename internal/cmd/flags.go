package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type flagKind int

const (
	flagString flagKind = iota
	flagBool
	flagInt
	flagStringSlice
)

type commandLineFlag struct {
	name, shorthand, defaultValue, usage string
	kind                                 flagKind
	required                             bool
}

var (
	configFlag = commandLineFlag{
		name:      "config",
		shorthand: "c",
		usage:     "config file (replaces the layered <home>/config.yml and ./.miyabi.yml)",
	}
	quietFlag = commandLineFlag{
		name:      "quiet",
		shorthand: "q",
		kind:      flagBool,
		usage:     "suppress progress logging",
	}
	jsonFlag = commandLineFlag{
		name:  "json",
		kind:  flagBool,
		usage: "emit one structured JSON object instead of prose",
	}
	dryRunFlag = commandLineFlag{
		name:  "dry-run",
		kind:  flagBool,
		usage: "log every platform write instead of performing it",
	}
	ownerFlag = commandLineFlag{
		name:  "owner",
		usage: "repository owner (default: derived from the origin remote)",
	}
	repoFlag = commandLineFlag{
		name:  "repo",
		usage: "repository name (default: derived from the origin remote)",
	}
	issueFlag = commandLineFlag{
		name:      "issue",
		shorthand: "i",
		kind:      flagInt,
		usage:     "issue number the agent targets",
	}
	prFlag = commandLineFlag{
		name:  "pr",
		kind:  flagInt,
		usage: "pull request whose changed files feed the agent",
	}
	filesFlag = commandLineFlag{
		name:  "files",
		kind:  flagStringSlice,
		usage: "local files to feed the review agent instead of stored artifacts",
	}
	executeFlag = commandLineFlag{
		name:  "execute",
		kind:  flagBool,
		usage: "drain the coordinator's task groups after planning",
	}
	intervalFlag = commandLineFlag{
		name:      "interval",
		shorthand: "n",
		kind:      flagInt,
		usage:     "seconds between supervisor cycles",
	}
	maxDurationFlag = commandLineFlag{
		name:  "max-duration",
		kind:  flagInt,
		usage: "minutes before the loop stops on its own",
	}
	scanTodosFlag = commandLineFlag{
		name:  "scan-todos",
		kind:  flagBool,
		usage: "convert source markers into issues on idle cycles",
	}
	pathFlag = commandLineFlag{
		name:         "path",
		shorthand:    "p",
		defaultValue: ".",
		usage:        "tree to scan for markers",
	}
	excludeFlag = commandLineFlag{
		name:  "exclude",
		kind:  flagStringSlice,
		usage: "extra glob patterns to skip while scanning",
	}
	limitFlag = commandLineFlag{
		name:         "limit",
		kind:         flagInt,
		defaultValue: "50",
		usage:        "stop after this many markers",
	}
	createIssuesFlag = commandLineFlag{
		name:  "create-issues",
		kind:  flagBool,
		usage: "file an issue for each marker without one",
	}
	clientIDFlag = commandLineFlag{
		name:  "client-id",
		usage: "OAuth app client id for the device flow",
	}
	checkFlag = commandLineFlag{
		name:  "check",
		kind:  flagBool,
		usage: "report whether a newer release exists without installing it",
	}
	tagFlag = commandLineFlag{
		name:  "tag",
		usage: "release tag to install (default: latest)",
	}
	forceFlag = commandLineFlag{
		name:  "force",
		kind:  flagBool,
		usage: "reinstall even when the running build is not older",
	}
	prereleaseFlag = commandLineFlag{
		name:  "prerelease",
		kind:  flagBool,
		usage: "consider prereleases when resolving the latest release",
	}
	keepBackupFlag = commandLineFlag{
		name:  "keep-backup",
		kind:  flagBool,
		usage: "keep the previous binary next to the new one as .bak",
	}
)

// initFlags registers a command's flags plus the ones every command carries.
func initFlags(cmd *cobra.Command, flags ...commandLineFlag) {
	flags = append(flags, configFlag, quietFlag, jsonFlag)
	for _, flag := range flags {
		switch flag.kind {
		case flagBool:
			cmd.Flags().BoolP(flag.name, flag.shorthand, flag.defaultValue == "true", flag.usage)
		case flagInt:
			n, _ := strconv.Atoi(flag.defaultValue)
			cmd.Flags().IntP(flag.name, flag.shorthand, n, flag.usage)
		case flagStringSlice:
			cmd.Flags().StringSliceP(flag.name, flag.shorthand, nil, flag.usage)
		default:
			cmd.Flags().StringP(flag.name, flag.shorthand, flag.defaultValue, flag.usage)
		}
		if flag.required {
			if err := cmd.MarkFlagRequired(flag.name); err != nil {
				fmt.Printf("failed to mark flag %s as required: %v\n", flag.name, err)
			}
		}
	}
}

// bindFlags exposes the command's flags through viper so NewContext can read
// the config path before the config itself is loaded.
func bindFlags(cmd *cobra.Command, flags ...commandLineFlag) {
	flags = append(flags, configFlag)
	for _, flag := range flags {
		if err := viper.BindPFlag(flag.name, cmd.Flags().Lookup(flag.name)); err != nil {
			fmt.Printf("failed to bind flag %s: %v\n", flag.name, err)
		}
	}
}
