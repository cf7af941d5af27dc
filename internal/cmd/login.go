package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/miyabi-org/miyabi/internal/common/apperr"
	"github.com/miyabi-org/miyabi/internal/common/config"
	"github.com/miyabi-org/miyabi/internal/common/logger"
	"github.com/miyabi-org/miyabi/internal/common/logger/tag"
	"github.com/miyabi-org/miyabi/internal/platform"
)

// defaultOAuthClientID identifies the published OAuth app the device flow
// authorizes against. Override with --client-id for a self-hosted app.
const defaultOAuthClientID = "Iv1.b4c9a2e8f1d03a76"

func Login() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "login",
			Short: "Authenticate with the platform",
			Long: `Obtain a platform token through the OAuth device flow and store it
in the credential file.

The command prints a one-time code and a verification URL. Open the URL,
enter the code, and approve the requested scopes. A previously saved
token is replaced.

Example:
  miyabi login
  miyabi login --client-id <oauth-app-id>
`,
			Args: cobra.NoArgs,
		}, loginFlags, runLogin,
	)
}

var loginFlags = []commandLineFlag{clientIDFlag}

type loginResult struct {
	CredentialsFile string `json:"credentialsFile"`
}

func runLogin(ctx *Context, _ []string) error {
	clientID, _ := ctx.Command.Flags().GetString("client-id")
	if _, err := ctx.deviceLogin(clientID); err != nil {
		return err
	}
	result := loginResult{CredentialsFile: ctx.Config.Paths.CredentialsFile}
	return ctx.Emit(result, "token saved", func(w io.Writer) {
		fmt.Fprintf(w, "%s Token saved to %s\n", color.GreenString("✓"), result.CredentialsFile)
	})
}

// deviceLogin walks the user through the device flow and persists the
// resulting token. Prompts go to stderr so a JSON stdout stays clean.
func (c *Context) deviceLogin(clientID string) (string, error) {
	if clientID == "" {
		clientID = defaultOAuthClientID
	}
	var opts []platform.DeviceFlowOption
	if base := c.Config.Platform.BaseURL; base != "" {
		// Enterprise installs serve the API under /api/v3 of the web host.
		opts = append(opts, platform.WithAuthBaseURL(strings.TrimSuffix(base, "/api/v3")))
	}
	flow := platform.NewDeviceFlow(clientID, opts...)

	code, err := flow.Start(c)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(os.Stderr, "First, copy this one-time code: %s\n", color.New(color.Bold).Sprint(code.UserCode))
	fmt.Fprintf(os.Stderr, "Then open %s and enter it. Waiting for approval...\n", code.VerificationURI)

	token, err := flow.Wait(c, code)
	if err != nil {
		return "", err
	}

	creds, err := config.LoadCredentials(c.Config.Paths.CredentialsFile)
	if err != nil {
		logger.Warn(c, "Existing credential file unreadable, overwriting", tag.Error(err))
		creds = config.Credentials{}
	}
	creds.PlatformToken = token
	if err := config.SaveCredentials(c, c.Config.Paths.CredentialsFile, creds); err != nil {
		return "", apperr.Wrap(apperr.CodeConfig, err, "cannot save the credential file")
	}
	c.Config.Platform.Token = token
	return token, nil
}
