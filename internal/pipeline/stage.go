package pipeline

// Stage describes one step of the document processing pipeline.
// Stage engines run outside this service; the registry only needs their
// names and ordering to validate callbacks and resume points.
type Stage struct {
	Name         string   `json:"name"`                   // e.g., "ocr", "extraction"
	Dependencies []string `json:"dependencies,omitempty"` // Stages that must complete first
	Description  string   `json:"description,omitempty"`

	// Review marks the human-in-the-loop stage. At most one stage may set it.
	Review bool `json:"review,omitempty"`
}

// Default stage names.
const (
	StageOCR            = "ocr"
	StageClassification = "classification"
	StageExtraction     = "extraction"
	StageAssessment     = "assessment"
	StageReview         = "review"
	StageSummarization  = "summarization"
	StageEvaluation     = "evaluation"
)

// DefaultStages returns the standard linear pipeline.
func DefaultStages() []Stage {
	return []Stage{
		{Name: StageOCR, Description: "Extract text from page images"},
		{Name: StageClassification, Dependencies: []string{StageOCR}, Description: "Classify pages into sections"},
		{Name: StageExtraction, Dependencies: []string{StageClassification}, Description: "Extract structured fields per section"},
		{Name: StageAssessment, Dependencies: []string{StageExtraction}, Description: "Score extraction confidence"},
		{Name: StageReview, Dependencies: []string{StageAssessment}, Description: "Human review of low-confidence sections", Review: true},
		{Name: StageSummarization, Dependencies: []string{StageReview}, Description: "Summarize the reviewed document"},
		{Name: StageEvaluation, Dependencies: []string{StageSummarization}, Description: "Compare results against the baseline"},
	}
}
