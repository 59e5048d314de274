// Package secret defines provider secrets and their environment mapping.
package secret

import "strings"

// ProviderSecret is an encrypted credential scoped to a repository.
// The value is decrypted only in memory at dispatch time.
type ProviderSecret struct {
	RepositoryID   string `json:"repository_id"`
	Provider       string `json:"provider"`
	EncryptedValue []byte `json:"-"`
}

// Global secret scope used for platform-wide fallbacks.
const (
	GlobalScope          = "global"
	GlobalFallbackSecret = "llmtornado"
)

// EnvKeys returns the environment variable names a provider's secret maps to.
// Unknown providers map to SECRET_<PROVIDER>.
func EnvKeys(provider string) []string {
	switch strings.ToLower(provider) {
	case "github":
		return []string{"GH_TOKEN", "GITHUB_TOKEN"}
	case "codex":
		return []string{"CODEX_API_KEY"}
	case "opencode":
		return []string{"OPENCODE_API_KEY"}
	case "claude-code":
		return []string{"ANTHROPIC_API_KEY"}
	case "zai":
		return []string{"Z_AI_API_KEY"}
	default:
		name := strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
		return []string{"SECRET_" + name}
	}
}
