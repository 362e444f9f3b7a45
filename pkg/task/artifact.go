package task

import "time"

// Artifact links a stored artifact or git branch to a task.
type Artifact struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Type        string    `json:"artifact_type"` // artifact, git_branch, file, ...
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	GitBranch   string    `json:"git_branch,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate requires a type and, for branch links, the branch name.
func (a *Artifact) Validate() error {
	if a.Type == "" {
		return &ValidationError{Field: "artifact_type", Msg: "artifact type is required"}
	}
	if a.Type == "git_branch" && a.GitBranch == "" {
		return &ValidationError{Field: "git_branch", Msg: "git branch is required for git_branch artifacts"}
	}
	return nil
}
