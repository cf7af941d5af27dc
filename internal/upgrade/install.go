package upgrade

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/mholt/archives"

	"github.com/miyabi-org/miyabi/internal/common/apperr"
)

// download fetches url into dest, verifying the SHA-256 against the release
// manifest before the file lands under its final name.
func download(ctx context.Context, url, dest, expectedHash string) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "miyabi-download-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(tmpPath) }()

	// Archives can be large; retries are resty's, the timeout is the ctx.
	client := resty.New().
		SetTimeout(0).
		SetRetryCount(3).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			code := r.StatusCode()
			return code == 429 || (code >= 500 && code <= 504)
		})

	resp, err := client.R().SetContext(ctx).SetOutput(tmpPath).Get(url)
	if err != nil {
		return apperr.Wrap(apperr.CodeNetwork, err, "download failed")
	}
	if resp.StatusCode() != 200 {
		return apperr.Newf(apperr.CodeNetwork, "download failed with HTTP %d", resp.StatusCode())
	}

	if err := verifyChecksum(tmpPath, expectedHash); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to move the downloaded archive: %w", err)
	}
	return nil
}

// verifyChecksum compares the file's SHA-256 with the manifest entry.
func verifyChecksum(path, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s for verification: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash %s: %w", path, err)
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if actual != expected {
		return apperr.Newf(apperr.CodeValidation, "checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}

// install extracts the binary from the archive and swaps it in for the
// target executable. The caller keeps its own copy of the old binary for
// rollback.
func install(ctx context.Context, archivePath, targetPath string) error {
	tempDir, err := os.MkdirTemp("", "miyabi-extract-*")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(tempDir) }()

	if err := extractArchive(ctx, archivePath, tempDir); err != nil {
		return fmt.Errorf("failed to extract the release archive: %w", err)
	}

	extracted, err := findBinary(tempDir, binaryName())
	if err != nil {
		return err
	}
	if err := replaceBinary(extracted, targetPath); err != nil {
		return fmt.Errorf("failed to replace the binary: %w", err)
	}
	return nil
}

func binaryName() string {
	if runtime.GOOS == "windows" {
		return "miyabi.exe"
	}
	return "miyabi"
}

func extractArchive(ctx context.Context, archivePath, destDir string) error {
	src, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open the archive: %w", err)
	}
	defer func() { _ = src.Close() }()

	format, _, err := archives.Identify(ctx, filepath.Base(archivePath), src)
	if err != nil {
		return fmt.Errorf("failed to identify the archive format: %w", err)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind the archive: %w", err)
	}
	extractor, ok := format.(archives.Extractor)
	if !ok {
		return fmt.Errorf("archive format %T does not support extraction", format)
	}

	return extractor.Extract(ctx, src, func(_ context.Context, f archives.FileInfo) error {
		if f.IsDir() {
			return nil
		}
		name := filepath.Clean(f.NameInArchive)
		if strings.HasPrefix(name, "..") {
			return fmt.Errorf("archive escapes its root: %s", f.NameInArchive)
		}
		target := filepath.Join(destDir, name)
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		in, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
		if err != nil {
			_ = in.Close()
			return err
		}
		_, copyErr := io.Copy(out, in)
		_ = in.Close()
		_ = out.Close()
		return copyErr
	})
}

func findBinary(dir, name string) (string, error) {
	var found string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == name {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to search the extracted archive: %w", err)
	}
	if found == "" {
		return "", apperr.Newf(apperr.CodeValidation, "the archive ships no %s binary", name)
	}
	return found, nil
}

// replaceBinary swaps target for src. On unix a rename over the running
// binary is atomic; Windows refuses it, so the old binary is moved aside
// first.
func replaceBinary(src, target string) error {
	perm := os.FileMode(0o755)
	if info, err := os.Stat(target); err == nil {
		perm = info.Mode().Perm()
	}

	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, "miyabi-new-*")
	if err != nil {
		return fmt.Errorf("failed to stage the new binary: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()

	if err := copyFile(src, tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if runtime.GOOS == "windows" {
		oldPath := target + ".old"
		_ = os.Remove(oldPath)
		if err := os.Rename(target, oldPath); err != nil && !os.IsNotExist(err) {
			_ = os.Remove(tmpPath)
			return fmt.Errorf("failed to move the old binary aside: %w", err)
		}
		if err := os.Rename(tmpPath, target); err != nil {
			_ = os.Rename(oldPath, target)
			_ = os.Remove(tmpPath)
			return fmt.Errorf("failed to install the new binary: %w", err)
		}
		_ = os.Remove(oldPath)
		return nil
	}

	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to install the new binary: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return nil
}

// executablePath resolves the running binary, following symlinks so the
// replacement hits the real file.
func executablePath() (string, error) {
	path, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate the running executable: %w", err)
	}
	path, err = filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable symlinks: %w", err)
	}
	return path, nil
}

// checkWritable fails fast when the binary's directory refuses writes.
func checkWritable(targetPath string) error {
	dir := filepath.Dir(targetPath)
	tmp, err := os.CreateTemp(dir, ".miyabi-write-check-*")
	if err != nil {
		if os.IsPermission(err) {
			return apperr.Newf(apperr.CodeValidation, "cannot write to %s", dir).
				WithSuggestion("re-run with sufficient privileges or move the binary somewhere writable")
		}
		return fmt.Errorf("cannot write to %s: %w", dir, err)
	}
	name := tmp.Name()
	_ = tmp.Close()
	_ = os.Remove(name)
	return nil
}

// verifyInstalled runs the new binary's version command and checks the tag
// landed.
func verifyInstalled(binaryPath, expectedTag string) error {
	out, err := exec.Command(binaryPath, "version").CombinedOutput()
	if err != nil {
		return fmt.Errorf("the installed binary does not run: %w", err)
	}
	want := strings.TrimPrefix(expectedTag, "v")
	if !strings.Contains(string(out), want) {
		return fmt.Errorf("version mismatch after install: expected %s, got %q", want, strings.TrimSpace(string(out)))
	}
	return nil
}
