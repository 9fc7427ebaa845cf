package engine

import "fmt"

// Phase is the coarse engine lifecycle position.
type Phase uint8

const (
	PhaseLoading Phase = iota
	PhaseReady
	PhaseGenerating
	PhasePlaying
	PhaseError
)

var phaseNames = [...]string{
	PhaseLoading:    "loading",
	PhaseReady:      "ready",
	PhaseGenerating: "generating",
	PhasePlaying:    "playing",
	PhaseError:      "error",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", p)
}

func (p Phase) MarshalText() ([]byte, error) {
	if int(p) >= len(phaseNames) {
		return nil, fmt.Errorf("unknown phase %d", p)
	}
	return []byte(phaseNames[p]), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	for i, name := range phaseNames {
		if name == string(text) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// State is what the UI observes. Message is only set in PhaseError.
type State struct {
	Phase   Phase  `json:"phase"`
	Message string `json:"message,omitempty"`
}

var (
	stateLoading    = State{Phase: PhaseLoading}
	stateReady      = State{Phase: PhaseReady}
	stateGenerating = State{Phase: PhaseGenerating}
	statePlaying    = State{Phase: PhasePlaying}
)

func errorState(msg string) State { return State{Phase: PhaseError, Message: msg} }

func (s State) String() string {
	if s.Phase == PhaseError {
		return fmt.Sprintf("error(%s)", s.Message)
	}
	return s.Phase.String()
}
