// Package upgrade replaces the running binary with a published release.
//
// The flow mirrors what a careful operator would do by hand: look the
// release up, compare versions, download the platform asset, verify its
// checksum, swap the binary, and run the new one once to prove it works.
// The previous binary is restored when that last step fails.
package upgrade

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/miyabi-org/miyabi/internal/common/apperr"
)

// InstallMethod describes how the running binary got onto the host. Only
// plain binary installs are safe to overwrite in place; package managers
// would fight the change on their next run.
type InstallMethod string

const (
	MethodBinary    InstallMethod = "binary"
	MethodHomebrew  InstallMethod = "homebrew"
	MethodSnap      InstallMethod = "snap"
	MethodDocker    InstallMethod = "docker"
	MethodGoInstall InstallMethod = "go install"
)

// Options control a single upgrade run.
type Options struct {
	// Target pins a release tag such as v1.2.0. Empty means the latest
	// published release.
	Target string
	// CheckOnly stops after the version comparison without touching the
	// binary.
	CheckOnly bool
	// Force upgrades even when the running build is not older than the
	// target, and allows overwriting development builds.
	Force bool
	// Prerelease considers prereleases when resolving the latest release.
	Prerelease bool
	// KeepBackup leaves the previous binary next to the new one as
	// <binary>.bak after a successful upgrade.
	KeepBackup bool
}

// Result reports what an upgrade run found and did.
type Result struct {
	CurrentVersion string        `json:"currentVersion"`
	TargetVersion  string        `json:"targetVersion"`
	Tag            string        `json:"tag"`
	URL            string        `json:"url,omitempty"`
	Asset          string        `json:"asset,omitempty"`
	Method         InstallMethod `json:"method"`
	UpToDate       bool          `json:"upToDate"`
	Upgraded       bool          `json:"upgraded"`
	BackupPath     string        `json:"backupPath,omitempty"`
}

// Upgrader drives the self-upgrade against a release feed.
type Upgrader struct {
	feed     *Feed
	current  string
	platform hostPlatform
}

// Option adjusts an Upgrader.
type Option func(*Upgrader)

// WithFeed swaps the release feed, mainly for tests pointing at a local
// server.
func WithFeed(f *Feed) Option {
	return func(u *Upgrader) { u.feed = f }
}

// New returns an Upgrader for the given running version.
func New(currentVersion string, opts ...Option) *Upgrader {
	u := &Upgrader{
		feed:     NewFeed(),
		current:  currentVersion,
		platform: hostPlatform{OS: runtime.GOOS, Arch: runtime.GOARCH},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Run resolves the target release and, unless opts says otherwise, installs
// it over the running binary.
func (u *Upgrader) Run(ctx context.Context, opts Options) (*Result, error) {
	if !u.platform.supported() {
		return nil, apperr.Newf(apperr.CodeValidation,
			"prebuilt binaries are not published for %s/%s", u.platform.OS, u.platform.Arch).
			WithSuggestion("build from source with go install github.com/miyabi-org/miyabi/cmd@latest")
	}

	execPath, err := executablePath()
	if err != nil {
		return nil, err
	}
	method := detectInstallMethod(execPath)
	if err := canSelfUpgrade(method); err != nil {
		return nil, err
	}

	var release *Release
	if opts.Target != "" {
		release, err = u.feed.ByTag(ctx, opts.Target)
	} else {
		release, err = u.feed.Latest(ctx, opts.Prerelease)
	}
	if err != nil {
		return nil, err
	}

	target, err := parseVersion(release.TagName)
	if err != nil {
		return nil, apperr.Newf(apperr.CodeValidation, "release %s carries no usable version", release.TagName)
	}

	res := &Result{
		CurrentVersion: u.current,
		TargetVersion:  target.String(),
		Tag:            release.TagName,
		URL:            release.HTMLURL,
		Method:         method,
	}

	current, err := parseVersion(u.current)
	switch {
	case err != nil && !opts.Force:
		return nil, apperr.Newf(apperr.CodeValidation, "running a development build (%s)", u.current).
			WithSuggestion("pass --force to overwrite it with " + release.TagName)
	case err == nil && !target.GreaterThan(current) && !opts.Force:
		res.UpToDate = true
		return res, nil
	}

	asset, err := findAsset(release, u.platform.assetName(target.String()))
	if err != nil {
		return nil, err
	}
	res.Asset = asset.Name

	if opts.CheckOnly {
		return res, nil
	}

	if err := checkWritable(execPath); err != nil {
		return nil, err
	}

	sums, err := u.feed.Checksums(ctx, release)
	if err != nil {
		return nil, err
	}
	expected, ok := sums[asset.Name]
	if !ok {
		return nil, apperr.Newf(apperr.CodeValidation, "checksums.txt has no entry for %s", asset.Name)
	}

	workDir, err := os.MkdirTemp("", "miyabi-upgrade-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create a working directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	archivePath := filepath.Join(workDir, asset.Name)
	if err := download(ctx, asset.DownloadURL, archivePath, expected); err != nil {
		return nil, err
	}

	// Keep a copy of the current binary so a broken install can be undone.
	previous := filepath.Join(workDir, "previous")
	if err := copyFile(execPath, previous); err != nil {
		return nil, fmt.Errorf("failed to back up the current binary: %w", err)
	}

	if err := install(ctx, archivePath, execPath); err != nil {
		return nil, err
	}

	if err := verifyInstalled(execPath, release.TagName); err != nil {
		if restoreErr := copyFile(previous, execPath); restoreErr != nil {
			return nil, fmt.Errorf("%w; restoring the previous binary also failed: %v", err, restoreErr)
		}
		return nil, fmt.Errorf("%w (the previous binary was restored)", err)
	}

	if opts.KeepBackup {
		backupPath := execPath + ".bak"
		if copyErr := copyFile(previous, backupPath); copyErr == nil {
			res.BackupPath = backupPath
		}
	}

	res.Upgraded = true
	return res, nil
}

// hostPlatform names the OS and architecture a release asset is built for.
type hostPlatform struct {
	OS   string
	Arch string
}

var releasedPlatforms = map[hostPlatform]struct{}{
	{OS: "linux", Arch: "amd64"}:   {},
	{OS: "linux", Arch: "arm64"}:   {},
	{OS: "darwin", Arch: "amd64"}:  {},
	{OS: "darwin", Arch: "arm64"}:  {},
	{OS: "windows", Arch: "amd64"}: {},
}

func (p hostPlatform) supported() bool {
	_, ok := releasedPlatforms[p]
	return ok
}

// assetName returns the archive name the release pipeline publishes for
// this platform, e.g. miyabi_1.2.0_linux_amd64.tar.gz.
func (p hostPlatform) assetName(version string) string {
	ext := "tar.gz"
	if p.OS == "windows" {
		ext = "zip"
	}
	return fmt.Sprintf("miyabi_%s_%s_%s.%s", version, p.OS, p.Arch, ext)
}

func detectInstallMethod(execPath string) InstallMethod {
	switch {
	case strings.Contains(execPath, "/Cellar/") || strings.Contains(execPath, "/homebrew/"):
		return MethodHomebrew
	case strings.Contains(execPath, "/snap/") || os.Getenv("SNAP") != "":
		return MethodSnap
	case runningInDocker():
		return MethodDocker
	case underGoBin(execPath):
		return MethodGoInstall
	default:
		return MethodBinary
	}
}

func runningInDocker() bool {
	_, err := os.Stat("/.dockerenv")
	return err == nil
}

func underGoBin(execPath string) bool {
	if gobin := os.Getenv("GOBIN"); gobin != "" && strings.HasPrefix(execPath, gobin) {
		return true
	}
	gopath := os.Getenv("GOPATH")
	if gopath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return false
		}
		gopath = filepath.Join(home, "go")
	}
	return strings.HasPrefix(execPath, filepath.Join(gopath, "bin"))
}

// canSelfUpgrade refuses to fight a package manager over the binary.
func canSelfUpgrade(m InstallMethod) error {
	switch m {
	case MethodHomebrew:
		return apperr.New(apperr.CodeValidation, "this binary is managed by Homebrew").
			WithSuggestion("run: brew upgrade miyabi")
	case MethodSnap:
		return apperr.New(apperr.CodeValidation, "this binary is managed by snap").
			WithSuggestion("run: snap refresh miyabi")
	case MethodDocker:
		return apperr.New(apperr.CodeValidation, "running inside a container").
			WithSuggestion("pull a newer image instead of upgrading in place")
	case MethodGoInstall:
		return apperr.New(apperr.CodeValidation, "this binary was installed with go install").
			WithSuggestion("run: go install github.com/miyabi-org/miyabi/cmd@latest")
	default:
		return nil
	}
}

// normalizeTag gives a bare version the v prefix release tags carry.
func normalizeTag(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return tag
	}
	if !strings.HasPrefix(tag, "v") {
		tag = "v" + tag
	}
	return tag
}

// looksLikeVersion reports whether the tag parses as a semantic version.
func looksLikeVersion(tag string) bool {
	_, err := semver.NewVersion(strings.TrimPrefix(tag, "v"))
	return err == nil
}

// parseVersion turns a build or tag string into a comparable version.
// Development builds are rejected so an unstamped binary never believes it
// is up to date.
func parseVersion(s string) (*semver.Version, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "v"))
	if s == "" || s == "dev" || s == "0.0.0" {
		return nil, apperr.Newf(apperr.CodeValidation, "%q is not a released build", s)
	}
	v, err := semver.NewVersion(s)
	if err == nil {
		return v, nil
	}
	// Package managers append a numeric revision such as 1.2.3-1.
	if i := strings.LastIndex(s, "-"); i > 0 {
		if _, numErr := strconv.Atoi(s[i+1:]); numErr == nil {
			if v, retryErr := semver.NewVersion(s[:i]); retryErr == nil {
				return v, nil
			}
		}
	}
	return nil, apperr.Newf(apperr.CodeValidation, "cannot parse version %q", s)
}
