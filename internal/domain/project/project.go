// Package project defines the Project and Repository domain entities.
package project

import "time"

// Project is an immutable container grouping repositories.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository is a git repository registered under a project.
type Repository struct {
	ID               string        `json:"id"`
	ProjectID        string        `json:"project_id"`
	Name             string        `json:"name"`
	GitURL           string        `json:"git_url"`
	DefaultBranch    string        `json:"default_branch"`
	InstructionFiles []Instruction `json:"instruction_files,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Instruction is a prompt fragment layered into dispatched prompts.
// Collection-level instructions order by Priority; repository- and
// task-embedded instructions order by Order.
type Instruction struct {
	Label    string `json:"label"`
	Content  string `json:"content"`
	Priority int    `json:"priority,omitempty"`
	Order    int    `json:"order,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// InstructionSet groups the instruction layers loaded for a repository.
type InstructionSet struct {
	Collection []Instruction `json:"collection,omitempty"`
	Repository []Instruction `json:"repository,omitempty"`
}
