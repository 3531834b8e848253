package hipaa

import "testing"

func TestIsPHIField(t *testing.T) {
	tests := []struct {
		resource, field string
		want            bool
	}{
		{ResourceSymptomEntry, FieldSymptoms, true},
		{ResourceSymptomEntry, FieldComments, true},
		{ResourceDiagnosis, FieldDiagnosisText, true},
		{ResourceDiagnosis, FieldRecommendations, true},
		{ResourceDiagnosis, "confidence_score", false},
		{ResourceDiagnosis, "possible_conditions", false},
		{ResourceSymptomEntry, "analysis_status", false},
		{"User", "email", false},
	}
	for _, tt := range tests {
		if got := IsPHIField(tt.resource, tt.field); got != tt.want {
			t.Errorf("IsPHIField(%q, %q) = %v, want %v", tt.resource, tt.field, got, tt.want)
		}
	}
}

func TestPHIFieldPaths(t *testing.T) {
	paths := PHIFieldPaths()
	if len(paths) != 4 {
		t.Errorf("expected 4 PHI paths, got %d", len(paths))
	}
	if !paths["SymptomEntry.comments"] {
		t.Error("expected SymptomEntry.comments to be PHI")
	}
}
