package worktree

import (
	"fmt"
	"strings"

	git "github.com/go-git/go-git/v5"
)

// Identity names the hosting-platform repository behind a local checkout.
type Identity struct {
	Owner      string
	Repo       string
	MainBranch string
}

// Detect opens the repository at dir and derives owner/repo from the origin
// remote URL and the main branch from HEAD.
func Detect(dir string) (*Identity, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", dir, err)
	}

	remote, err := repo.Remote("origin")
	if err != nil {
		return nil, fmt.Errorf("repository has no origin remote: %w", err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return nil, fmt.Errorf("origin remote has no URL")
	}
	owner, name, err := ParseRemoteURL(urls[0])
	if err != nil {
		return nil, err
	}

	id := &Identity{Owner: owner, Repo: name}
	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		id.MainBranch = head.Name().Short()
	}
	return id, nil
}

// ParseRemoteURL extracts owner and repository name from the common remote
// URL shapes:
//
//	https://github.com/owner/repo.git
//	ssh://git@github.com/owner/repo.git
//	git@github.com:owner/repo.git
func ParseRemoteURL(raw string) (owner, repo string, err error) {
	s := strings.TrimSuffix(strings.TrimSpace(raw), ".git")

	// scp-like syntax has a colon separating host and path.
	if at := strings.Index(s, "@"); at >= 0 && !strings.Contains(s, "://") {
		if colon := strings.Index(s, ":"); colon > at {
			s = s[colon+1:]
			return splitOwnerRepo(s, raw)
		}
	}

	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
		// Drop optional user@ and the host segment.
		if at := strings.Index(s, "@"); at >= 0 {
			s = s[at+1:]
		}
		if slash := strings.Index(s, "/"); slash >= 0 {
			s = s[slash+1:]
		}
		return splitOwnerRepo(s, raw)
	}

	return splitOwnerRepo(s, raw)
}

func splitOwnerRepo(path, raw string) (string, string, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("cannot derive owner/repo from remote URL %q", raw)
	}
	// Deep paths (enterprise installs) keep the last two segments.
	return parts[len(parts)-2], parts[len(parts)-1], nil
}
