package hipaa

// Resource types that carry PHI. They double as audit resource types.
const (
	ResourceSymptomEntry = "SymptomEntry"
	ResourceDiagnosis    = "Diagnosis"
)

// Encrypted columns. The names are part of the associated data for each
// ciphertext, so renaming one makes existing rows undecryptable.
const (
	FieldSymptoms        = "symptoms"
	FieldComments        = "comments"
	FieldDiagnosisText   = "diagnosis_text"
	FieldRecommendations = "recommendations"
)

// PHIFieldConfig maps a resource type to the columns that hold Protected
// Health Information and are therefore stored only in encrypted form.
type PHIFieldConfig struct {
	ResourceType string
	Fields       []string
}

// DefaultPHIFields returns the encrypted-at-rest columns. Diagnosis
// confidence and possible conditions are deliberately absent: they are
// treated as non-PHI metadata and stored in clear.
func DefaultPHIFields() []PHIFieldConfig {
	return []PHIFieldConfig{
		{
			ResourceType: ResourceSymptomEntry,
			Fields:       []string{FieldSymptoms, FieldComments},
		},
		{
			ResourceType: ResourceDiagnosis,
			Fields:       []string{FieldDiagnosisText, FieldRecommendations},
		},
	}
}

// PHIFieldPaths returns a flat set of "<ResourceType>.<field>" strings for fast
// look-up. Example key: "SymptomEntry.comments".
func PHIFieldPaths() map[string]bool {
	configs := DefaultPHIFields()
	paths := make(map[string]bool, 4)
	for _, c := range configs {
		for _, f := range c.Fields {
			paths[c.ResourceType+"."+f] = true
		}
	}
	return paths
}

// IsPHIField reports whether field of resourceType must be encrypted.
func IsPHIField(resourceType, field string) bool {
	return PHIFieldPaths()[resourceType+"."+field]
}

// encryptedFields is every column name in DefaultPHIFields. The codec refuses
// to seal anything else so a typo cannot create a new, unlisted PHI column.
var encryptedFields = func() map[string]bool {
	m := make(map[string]bool)
	for _, c := range DefaultPHIFields() {
		for _, f := range c.Fields {
			m[f] = true
		}
	}
	return m
}()
