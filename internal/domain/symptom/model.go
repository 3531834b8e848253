package symptom

import "time"

// AnalysisStatus tracks an entry through the diagnosis pipeline. It is
// plaintext metadata and never carries PHI.
type AnalysisStatus string

const (
	StatusSubmitted AnalysisStatus = "SUBMITTED"
	StatusAnalyzing AnalysisStatus = "ANALYZING"
	StatusDiagnosed AnalysisStatus = "DIAGNOSED"
	StatusFailed    AnalysisStatus = "FAILED"
)

// Valid reports whether s is one of the known statuses.
func (s AnalysisStatus) Valid() bool {
	switch s {
	case StatusSubmitted, StatusAnalyzing, StatusDiagnosed, StatusFailed:
		return true
	}
	return false
}

// Confidence levels accepted for a diagnosis.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// Entry limits.
const (
	MaxSymptoms       = 50
	MaxSymptomLength  = 200
	MaxCommentsLength = 4000
)

// SymptomEntry is a submitted set of symptoms with PHI in clear. Diagnosis is
// populated only by Store.Read.
type SymptomEntry struct {
	ID             string         `json:"id"`
	UserID         *string        `json:"user_id"`
	Symptoms       []string       `json:"symptoms"`
	Comments       *string        `json:"comments"`
	AnalysisStatus AnalysisStatus `json:"analysis_status"`
	AnalysisError  string         `json:"analysis_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Diagnosis      *Diagnosis     `json:"diagnosis"`
}

// Diagnosis is the analysis attached to one entry. DiagnosisText and
// Recommendations are PHI; the rest is stored in clear.
type Diagnosis struct {
	ID                 string    `json:"id"`
	SymptomEntryID     string    `json:"symptom_entry_id"`
	DiagnosisText      string    `json:"diagnosis_text"`
	ConfidenceScore    *string   `json:"confidence_score"`
	PossibleConditions []string  `json:"possible_conditions"`
	Recommendations    *string   `json:"recommendations"`
	CreatedAt          time.Time `json:"created_at"`
}

// EntrySummary is the PHI-free view of an entry used for listings.
type EntrySummary struct {
	ID             string         `json:"id"`
	UserID         *string        `json:"user_id"`
	AnalysisStatus AnalysisStatus `json:"analysis_status"`
	AnalysisError  string         `json:"analysis_error,omitempty"`
	HasDiagnosis   bool           `json:"has_diagnosis"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// User is only used to resolve a submitter's email to an id.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateInput is a new submission. UserEmail is resolved against users;
// UserID, when set, must name an existing user.
type CreateInput struct {
	Symptoms  []string `json:"symptoms"`
	Comments  *string  `json:"comments,omitempty"`
	UserEmail string   `json:"user_email,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
}

// DiagnosisInput is a diagnosis to attach to an entry.
type DiagnosisInput struct {
	DiagnosisText      string   `json:"diagnosis_text"`
	ConfidenceScore    *string  `json:"confidence_score,omitempty"`
	PossibleConditions []string `json:"possible_conditions,omitempty"`
	Recommendations    *string  `json:"recommendations,omitempty"`
}

// EntryRecord is an entry as persisted: PHI columns hold codec output.
type EntryRecord struct {
	ID             string
	UserID         *string
	Symptoms       string
	Comments       string
	AnalysisStatus AnalysisStatus
	AnalysisError  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DiagnosisRecord is a diagnosis as persisted. PossibleConditions is the
// JSON array text, nil when absent.
type DiagnosisRecord struct {
	ID                 string
	SymptomEntryID     string
	DiagnosisText      string
	ConfidenceScore    *string
	PossibleConditions *string
	Recommendations    string
	CreatedAt          time.Time
}
