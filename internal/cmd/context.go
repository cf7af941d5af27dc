package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/miyabi-org/miyabi/internal/artifact"
	"github.com/miyabi-org/miyabi/internal/common/apperr"
	"github.com/miyabi-org/miyabi/internal/common/config"
	"github.com/miyabi-org/miyabi/internal/common/logger"
	"github.com/miyabi-org/miyabi/internal/common/logger/tag"
	"github.com/miyabi-org/miyabi/internal/platform"
	"github.com/miyabi-org/miyabi/internal/worktree"
)

// Context holds everything a command run needs: the merged configuration, a
// logger bound to the context, and lazy constructors for the platform
// gateway and the artifact store.
type Context struct {
	context.Context

	Command *cobra.Command
	Config  *config.Config
	Quiet   bool
}

// NewContext loads configuration, prepares the logger, and logs any
// warnings the loader collected.
func NewContext(cmd *cobra.Command, flags []commandLineFlag) (*Context, error) {
	ctx := cmd.Context()

	bindFlags(cmd, flags...)

	quiet, err := cmd.Flags().GetBool("quiet")
	if err != nil {
		return nil, fmt.Errorf("failed to get quiet flag: %w", err)
	}

	var loaderOpts []config.LoaderOption
	if cfgPath := viper.GetString("config"); cfgPath != "" {
		loaderOpts = append(loaderOpts, config.WithConfigFile(cfgPath))
	}

	cfg, err := config.Load(loaderOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if on, err := cmd.Flags().GetBool("json"); err == nil && on {
		cfg.CLI.JSON = true
	}

	var opts []logger.Option
	if cfg.Debug || cfg.CLI.Verbose || os.Getenv("DEBUG") != "" {
		opts = append(opts, logger.WithDebug())
	}
	if quiet {
		opts = append(opts, logger.WithQuiet())
	}
	if cfg.LogFormat != "" {
		opts = append(opts, logger.WithFormat(cfg.LogFormat))
	}
	ctx = logger.WithLogger(ctx, logger.NewLogger(opts...))
	ctx = config.WithConfig(ctx, cfg)

	for _, w := range cfg.Warnings {
		logger.Warn(ctx, w)
	}

	return &Context{Context: ctx, Command: cmd, Config: cfg, Quiet: quiet}, nil
}

// NewCommand wraps a cobra command so every run gets a Context and failures
// map onto the stable exit-code table.
func NewCommand(cmd *cobra.Command, flags []commandLineFlag, runFunc func(ctx *Context, args []string) error) *cobra.Command {
	initFlags(cmd, flags...)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx, err := NewContext(cmd, flags)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Initialization error: %v\n", err)
			os.Exit(apperr.ExitCodeFor(err))
		}
		if err := runFunc(ctx, args); err != nil {
			ctx.fail(err)
			os.Exit(apperr.ExitCodeFor(err))
		}
		return nil
	}

	return cmd
}

// JSON reports whether the command emits structured output.
func (c *Context) JSON() bool { return c.Config.CLI.JSON }

// envelope is the structured output contract: exactly one JSON object on
// stdout, the same shape for success and failure.
type envelope struct {
	Success   bool          `json:"success"`
	Data      any           `json:"data,omitempty"`
	Message   string        `json:"message,omitempty"`
	Error     *apperr.Error `json:"error,omitempty"`
	Timestamp string        `json:"timestamp"`
}

// Emit writes the command result: the JSON envelope when structured output
// is on, otherwise the human rendering.
func (c *Context) Emit(data any, message string, human func(w io.Writer)) error {
	if c.JSON() {
		return writeJSON(os.Stdout, envelope{
			Success:   true,
			Data:      data,
			Message:   message,
			Timestamp: timestamp(),
		})
	}
	if human != nil {
		human(os.Stdout)
	}
	return nil
}

// fail reports a command failure on the channel the output mode dictates.
// The exit code is the caller's job.
func (c *Context) fail(err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Wrap(apperr.CodeInternal, err, "command failed")
	}
	if c.JSON() {
		_ = writeJSON(os.Stdout, envelope{
			Success:   false,
			Error:     appErr,
			Timestamp: timestamp(),
		})
		return
	}
	logger.Error(c.Context, "Command failed", tag.Error(err))
	if appErr.Suggestion != "" {
		fmt.Fprintln(os.Stderr, color.YellowString("hint: %s", appErr.Suggestion))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Gateway builds the platform client. It resolves the token through the
// credential chain and may run the device flow on an interactive terminal.
func (c *Context) Gateway() (platform.Gateway, error) {
	token, err := c.ensureToken()
	if err != nil {
		return nil, err
	}
	var opts []platform.Option
	if c.Config.Platform.BaseURL != "" {
		opts = append(opts, platform.WithBaseURL(c.Config.Platform.BaseURL))
	}
	return platform.New(token, opts...), nil
}

// ensureToken resolves the platform token: configuration first (flags and
// environment win inside the loader), then the stored credentials file,
// then an interactive device-flow exchange when a terminal permits one.
func (c *Context) ensureToken() (string, error) {
	if c.Config.Platform.Token != "" {
		return c.Config.Platform.Token, nil
	}
	creds, err := config.LoadCredentials(c.Config.Paths.CredentialsFile)
	if err != nil {
		return "", err
	}
	if creds.PlatformToken != "" {
		return creds.PlatformToken, nil
	}
	if config.NonInteractive(c.Config) {
		return "", apperr.New(apperr.CodeAuth, "no platform token configured").
			WithSuggestion("export PLATFORM_TOKEN or run `miyabi login`")
	}
	return c.deviceLogin("")
}

// RepoIdentity names the repository the command operates on: explicit flags
// first, then the origin remote of the working directory.
func (c *Context) RepoIdentity() (owner, repo, mainBranch string, err error) {
	owner, _ = c.Command.Flags().GetString("owner")
	repo, _ = c.Command.Flags().GetString("repo")
	if owner != "" && repo != "" {
		return owner, repo, "", nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", "", "", fmt.Errorf("failed to resolve working directory: %w", err)
	}
	id, err := worktree.Detect(wd)
	if err != nil {
		return "", "", "", apperr.Wrap(apperr.CodeValidation, err, "cannot determine the target repository").
			WithSuggestion("pass --owner and --repo, or run inside a checkout with an origin remote")
	}
	if owner == "" {
		owner = id.Owner
	}
	if repo == "" {
		repo = id.Repo
	}
	return owner, repo, id.MainBranch, nil
}

// Artifacts opens the store under the configured directory, with S3
// archival attached when an endpoint is configured.
func (c *Context) Artifacts() (*artifact.Store, error) {
	var opts []artifact.Option
	if a := c.Config.Artifacts.Archive; a.Endpoint != "" {
		archiver, err := artifact.NewS3Archiver(artifact.S3Config{
			Endpoint:  a.Endpoint,
			Bucket:    a.Bucket,
			AccessKey: a.AccessKey,
			SecretKey: a.SecretKey,
			UseSSL:    a.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, artifact.WithArchiver(archiver))
	}
	return artifact.New(c.Config.Artifacts.Dir, opts...), nil
}
