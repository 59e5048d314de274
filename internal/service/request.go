package service

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/runforge/runforge/internal/domain/project"
	"github.com/runforge/runforge/internal/domain/run"
	"github.com/runforge/runforge/internal/domain/secret"
	"github.com/runforge/runforge/internal/domain/task"
	"github.com/runforge/runforge/internal/port/runtimeclient"
)

// BuildLayeredPrompt concatenates instruction layers under labelled headers:
// enabled collection instructions by priority, repository instructions by
// order, task instructions by order, then the task prompt. With no
// instructions at all, the result is the task prompt verbatim.
func BuildLayeredPrompt(set *project.InstructionSet, taskInstructions []project.Instruction, taskPrompt string) string {
	var sections []string

	appendLayer := func(items []project.Instruction, byPriority bool) {
		enabled := make([]project.Instruction, 0, len(items))
		for _, ins := range items {
			if ins.Enabled {
				enabled = append(enabled, ins)
			}
		}
		sort.SliceStable(enabled, func(i, j int) bool {
			if byPriority {
				return enabled[i].Priority < enabled[j].Priority
			}
			return enabled[i].Order < enabled[j].Order
		})
		for _, ins := range enabled {
			label := ins.Label
			if label == "" {
				label = "Instructions"
			}
			sections = append(sections, "## "+label+"\n\n"+ins.Content)
		}
	}

	if set != nil {
		appendLayer(set.Collection, true)
		appendLayer(set.Repository, false)
	}
	appendLayer(taskInstructions, false)

	if len(sections) == 0 {
		return taskPrompt
	}
	sections = append(sections, taskPrompt)
	return strings.Join(sections, "\n\n")
}

// PRBranchName derives the branch a worker pushes to when auto-creating a
// pull request: agent/<repo>/<task>/<run id prefix>, lowercased, spaces
// replaced with dashes.
func PRBranchName(repoName, taskName, runID string) string {
	id := runID
	if len(id) > 8 {
		id = id[:8]
	}
	branch := fmt.Sprintf("agent/%s/%s/%s", repoName, taskName, id)
	branch = strings.ToLower(branch)
	return strings.ReplaceAll(branch, " ", "-")
}

const (
	zaiBaseURL  = "https://api.z.ai/api/anthropic"
	zaiModel    = "glm-5"
	codexServer = "app-server"
)

// requestInputs bundles everything BuildJobRequest consumes. Secrets arrive
// already decrypted, keyed by provider.
type requestInputs struct {
	Repo     *project.Repository
	Task     *task.Task
	Run      *run.Run
	Set      *project.InstructionSet
	Secrets  map[string]string
	Settings *task.ProviderSettings
}

// BuildJobRequest assembles the dispatch request deterministically from its
// inputs. No store access happens here.
func BuildJobRequest(in requestInputs) *runtimeclient.JobRequest {
	env := make(map[string]string)

	env["GIT_URL"] = in.Repo.GitURL
	env["DEFAULT_BRANCH"] = in.Repo.DefaultBranch
	env["HARNESS_NAME"] = in.Task.Harness
	if slug := project.ParseGitHubRepoSlug(in.Repo.GitURL); slug != "" {
		env["GH_REPO"] = slug
	}
	env["TASK_MODE"] = string(in.Run.ExecutionMode)
	env["RUN_MODE"] = string(in.Run.ExecutionMode)
	env["RETRY_COUNT"] = strconv.Itoa(in.Run.Attempt - 1)

	if in.Task.AutoCreatePR {
		env["AUTO_CREATE_PR"] = "true"
		env["PR_BRANCH"] = PRBranchName(in.Repo.Name, in.Task.Name, in.Run.ID)
		env["PR_TITLE"] = in.Task.Name
		env["PR_BODY"] = fmt.Sprintf("Automated changes for task %q (run %s).", in.Task.Name, in.Run.ID)
	}

	// Provider secrets map to their conventional variable names.
	for provider, value := range in.Secrets {
		for _, key := range secret.EnvKeys(provider) {
			env[key] = value
		}
	}

	applyHarnessEnv(env, in)
	applyProviderSettings(env, in.Settings)

	return &runtimeclient.JobRequest{
		RunID:            in.Run.ID,
		TaskID:           in.Task.ID,
		RepositoryID:     in.Repo.ID,
		Harness:          in.Task.Harness,
		Prompt:           BuildLayeredPrompt(in.Set, in.Task.InstructionFiles, in.Task.Prompt),
		Command:          in.Task.Command,
		GitURL:           in.Repo.GitURL,
		DefaultBranch:    in.Repo.DefaultBranch,
		TimeoutSeconds:   in.Task.Timeouts.ExecutionSeconds,
		ArtifactPatterns: in.Task.ArtifactPatterns,
		Env:              env,
	}
}

// applyHarnessEnv adds harness-specific variables.
func applyHarnessEnv(env map[string]string, in requestInputs) {
	switch strings.ToLower(in.Task.Harness) {
	case "codex":
		env["CODEX_TRANSPORT"] = codexServer
		if in.Run.ExecutionMode == run.ModeReview {
			env["CODEX_APPROVAL_POLICY"] = "never"
		} else {
			env["CODEX_APPROVAL_POLICY"] = "on-failure"
		}
	case "zai":
		// The zai secret fans out to the whole Anthropic-compatible set.
		if v, ok := in.Secrets["zai"]; ok {
			env["Z_AI_API_KEY"] = v
			env["ANTHROPIC_AUTH_TOKEN"] = v
			env["ANTHROPIC_API_KEY"] = v
		}
		env["ANTHROPIC_BASE_URL"] = zaiBaseURL
		env["HARNESS_MODEL"] = zaiModel
		env["ZAI_MODEL"] = zaiModel
	}
}

// applyProviderSettings adds resolved harness provider settings.
func applyProviderSettings(env map[string]string, ps *task.ProviderSettings) {
	if ps == nil {
		return
	}
	if ps.Model != "" {
		env["HARNESS_MODEL"] = ps.Model
	}
	if ps.Temperature != 0 {
		env["HARNESS_TEMPERATURE"] = fmt.Sprintf("%.2f", ps.Temperature)
	}
	if ps.MaxTokens != 0 {
		env["HARNESS_MAX_TOKENS"] = strconv.Itoa(ps.MaxTokens)
	}
	for k, v := range ps.Additional {
		env[strings.ToUpper(k)] = v
	}
}
