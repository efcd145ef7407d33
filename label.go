package gender

import (
	"errors"
	"fmt"
)

// Label is the coarse result printed for one image
type Label string

const (
	LabelMan     Label = "Man"
	LabelWoman   Label = "Woman"
	LabelUnknown Label = "Unknown"
	LabelNoFace  Label = "NoFace"
)

// RetryPrompt is printed by the raw webcam mode when no face was found
const RetryPrompt = "Face not detected. Please try again!"

// NormalizeGender maps the collaborator's gender string onto Man, Woman or Unknown.
// The collaborator only reports Man and Woman, so Unknown marks an unexpected
// response rather than a third classification.
func NormalizeGender(raw string) Label {
	switch raw {
	case string(LabelMan):
		return LabelMan
	case string(LabelWoman):
		return LabelWoman
	default:
		return LabelUnknown
	}
}

// OutcomeKind separates a classified face from the two failure causes
type OutcomeKind int

const (
	// OutcomeDetected means the first face was classified
	OutcomeDetected OutcomeKind = iota
	// OutcomeNoFace means the collaborator found no face
	OutcomeNoFace
	// OutcomeFailed covers bad input, transport and backend failures
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDetected:
		return "detected"
	case OutcomeNoFace:
		return "no_face"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the result of classifying one image
type Outcome struct {
	Kind      OutcomeKind
	Label     Label  // normalized, set for OutcomeDetected and OutcomeNoFace
	Raw       string // gender string as returned by the collaborator
	Err       error  // set for OutcomeNoFace and OutcomeFailed
	RequestID string
}

// NewOutcome builds an Outcome from an analysis gender value and error.
func NewOutcome(raw string, err error) Outcome {
	switch {
	case err == nil:
		return Outcome{Kind: OutcomeDetected, Label: NormalizeGender(raw), Raw: raw}
	case errors.Is(err, ErrNoFace):
		return Outcome{Kind: OutcomeNoFace, Label: LabelNoFace, Err: err}
	default:
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
}

// OutputMode selects how a detected gender is printed
type OutputMode int

const (
	// ModeNormalized prints Man, Woman or Unknown
	ModeNormalized OutputMode = iota
	// ModeRaw prints "Gender: <value>" with the collaborator's value
	ModeRaw
)

// Formatter renders an Outcome into the single output line
type Formatter struct {
	Mode OutputMode
	// CollapseFailures prints NoFace for every failure, whatever the cause.
	CollapseFailures bool
}

// Line returns the output line for o, without a trailing newline.
func (f Formatter) Line(o Outcome) string {
	switch o.Kind {
	case OutcomeDetected:
		if f.Mode == ModeRaw {
			return "Gender: " + o.Raw
		}
		return string(o.Label)
	case OutcomeNoFace:
		if f.Mode == ModeRaw {
			return RetryPrompt
		}
		return string(LabelNoFace)
	default:
		if f.CollapseFailures {
			return string(LabelNoFace)
		}
		msg := "unknown error"
		if o.Err != nil {
			msg = o.Err.Error()
		}
		return "Error: " + msg
	}
}

// Predefined output policies
var (
	// ImageFormatter reproduces the static classifier: normalized, failures read as NoFace.
	ImageFormatter = Formatter{Mode: ModeNormalized, CollapseFailures: true}
	// StrictFormatter is normalized but reports failures as errors.
	StrictFormatter = Formatter{Mode: ModeNormalized}
	// RawFormatter prints the collaborator's value and a retry prompt.
	RawFormatter = Formatter{Mode: ModeRaw}
)
