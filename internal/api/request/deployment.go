package request

// CreateDeployment starts a pipeline for a module version. Environments is
// optional; when empty the target environment selects the promotion chain up
// to and including it, and when that is empty too the full chain runs.
type CreateDeployment struct {
	ModuleName        string            `json:"module_name" validate:"required,slug"`
	Version           string            `json:"version" validate:"required,semver"`
	Description       string            `json:"description"`
	Author            string            `json:"author"`
	TargetEnvironment string            `json:"target_environment"`
	Environments      []string          `json:"environments"`
	RequesterEmail    string            `json:"requester_email" validate:"required,email"`
	RequireApproval   bool              `json:"require_approval"`
	Metadata          map[string]string `json:"metadata"`
}

// Decision resolves a pending approval.
type Decision struct {
	ApproverEmail string `json:"approver_email" validate:"required,email"`
	Reason        string `json:"reason"`
}
