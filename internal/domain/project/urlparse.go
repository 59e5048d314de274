package project

import "strings"

// ParseGitHubRepoSlug extracts the "owner/repo" slug from a GitHub URL.
// Supports HTTPS URLs (https://github.com/org/repo) and SSH URLs
// (git@github.com:org/repo.git). Returns "" for empty or whitespace input.
func ParseGitHubRepoSlug(rawURL string) string {
	s := strings.TrimSpace(rawURL)
	if s == "" {
		return ""
	}

	switch {
	case strings.HasPrefix(s, "https://github.com/"):
		s = strings.TrimPrefix(s, "https://github.com/")
	case strings.HasPrefix(s, "git@github.com:"):
		s = strings.TrimPrefix(s, "git@github.com:")
	}

	s = strings.TrimSuffix(s, ".git")
	return strings.Trim(s, "/")
}
