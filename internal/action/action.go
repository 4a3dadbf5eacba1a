// internal/action/action.go
package action

import "errors"

// Control phrases the model emits to steer the loop.
const (
	MarkerFinalAnswer  = "Final Answer"
	MarkerTextByText   = "Text Retrieval"
	MarkerImageByText  = "Image Retrieval with Text Query"
	MarkerImageByImage = "Image Retrieval with Input Image"

	TagThought     = "<Thought>"
	TagSubQuestion = "<Sub-Question>"
)

var (
	ErrParseAmbiguous = errors.New("PARSE_AMBIGUOUS")
)

// Type is the decision carried by a model reply.
type Type int

const (
	Inconclusive Type = iota
	Retrieve
	FinalAnswer
)

func (t Type) String() string {
	switch t {
	case Retrieve:
		return "retrieve"
	case FinalAnswer:
		return "final_answer"
	default:
		return "inconclusive"
	}
}

// Kind selects the retrieval modality of a Retrieve action.
type Kind int

const (
	KindNone Kind = iota
	TextByText
	ImageByText
	ImageByImage
)

func (k Kind) String() string {
	switch k {
	case TextByText:
		return "text_by_text"
	case ImageByText:
		return "image_by_text"
	case ImageByImage:
		return "image_by_image"
	default:
		return "none"
	}
}

// Marker returns the control phrase that selects k.
func (k Kind) Marker() string {
	switch k {
	case TextByText:
		return MarkerTextByText
	case ImageByText:
		return MarkerImageByText
	case ImageByImage:
		return MarkerImageByImage
	default:
		return ""
	}
}

// IsImage reports whether k retrieves images.
func (k Kind) IsImage() bool {
	return k == ImageByText || k == ImageByImage
}

// ParseKind maps a Kind name back to its value.
func ParseKind(s string) (Kind, bool) {
	for _, k := range []Kind{TextByText, ImageByText, ImageByImage} {
		if k.String() == s {
			return k, true
		}
	}
	return KindNone, false
}

// Action is the typed decision extracted from one model reply.
type Action struct {
	Type        Type
	Kind        Kind
	Query       string
	SubQuestion string
	Thought     string
	Answer      string
}

// Err returns ErrParseAmbiguous for inconclusive actions and nil otherwise.
func (a Action) Err() error {
	if a.Type == Inconclusive {
		return ErrParseAmbiguous
	}
	return nil
}
