package compliance

// ComplianceStatus is the overall verdict for one policy.
type ComplianceStatus string

const (
	StatusYes         ComplianceStatus = "Yes"
	StatusLeanYes     ComplianceStatus = "Lean Yes"
	StatusLeanNo      ComplianceStatus = "Lean No"
	StatusNo          ComplianceStatus = "No"
	StatusVeryUnclear ComplianceStatus = "Very Unclear"
)

// RequirementStatus is the verdict for a single requirement.
type RequirementStatus string

const (
	RequirementMet          RequirementStatus = "Met"
	RequirementPartiallyMet RequirementStatus = "Partially Met"
	RequirementNotMet       RequirementStatus = "Not Met"
)

type Evidence struct {
	Text     string `json:"text"`
	Location string `json:"location"`
}

type RequirementFinding struct {
	Requirement string            `json:"requirement"`
	Status      RequirementStatus `json:"status"`
	Evidence    []Evidence        `json:"evidence"`
	Explanation string            `json:"explanation"`
}

// Result is the parsed verdict for one policy.
type Result struct {
	ComplianceStatus   ComplianceStatus     `json:"complianceStatus"`
	Requirements       []RequirementFinding `json:"requirements"`
	Summary            string               `json:"summary"`
	OverallExplanation string               `json:"overallExplanation"`
	RemediationSteps   []string             `json:"remediationSteps,omitempty"`
}

// PolicyOutcome is what the worker records per policy title.
// Error is set when the check failed and Result is then nil.
type PolicyOutcome struct {
	Title     string  `json:"title"`
	IsLoading bool    `json:"isLoading"`
	Result    *Result `json:"result,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Policy is a written policy supplied with a job.
type Policy struct {
	ID           string `json:"id,omitempty" yaml:"id"`
	Title        string `json:"title"        yaml:"title"        validate:"required"`
	Content      string `json:"content"      yaml:"content"`
	Requirements string `json:"requirements" yaml:"requirements"`
}

// Job is the unit of work taken from the queue.
type Job struct {
	JobID        string   `json:"jobId"                  validate:"required"`
	URL          string   `json:"url"                    validate:"required,url"`
	Model        string   `json:"model,omitempty"`
	Policies     []Policy `json:"policies"               validate:"required,min=1,unique=Title,dive"`
	Instructions string   `json:"instructions,omitempty"`
	UserID       string   `json:"userId,omitempty"`
}

// Counts tallies requirement statuses for DetermineComplianceStatus.
type Counts struct {
	Met     int
	Partial int
	Total   int
}
