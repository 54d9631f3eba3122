package domain

// Kind is the declared type of a schema field.
type Kind string

const (
	KindAny     Kind = "any"
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInt     Kind = "int"
	KindBoolean Kind = "boolean"
	KindArray   Kind = "array"
	KindObject  Kind = "object"
	KindDate    Kind = "date"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAny, KindString, KindNumber, KindInt, KindBoolean, KindArray, KindObject, KindDate:
		return true
	}
	return false
}

// Contract is what validation needs to know about a collection.
type Contract interface {
	RequiredFields() []string
	FieldType(name string) (Kind, bool)
	Defaults() map[string]any
}

// Schema declares the fields a collection's documents should carry.
// Array and object fields are opaque: nested shapes are not checked.
type Schema struct {
	Required []string        `mapstructure:"required" yaml:"required" json:"required"`
	Types    map[string]Kind `mapstructure:"types" yaml:"types" json:"types"`
	Default  map[string]any  `mapstructure:"defaults" yaml:"defaults" json:"defaults"`
}

func (s *Schema) RequiredFields() []string { return s.Required }

func (s *Schema) FieldType(name string) (Kind, bool) {
	k, ok := s.Types[name]
	return k, ok
}

func (s *Schema) Defaults() map[string]any { return s.Default }

// DateFields lists the fields declared with KindDate.
func (s *Schema) DateFields() []string {
	var out []string
	for f, k := range s.Types {
		if k == KindDate {
			out = append(out, f)
		}
	}
	return out
}

var _ Contract = (*Schema)(nil)
