package model

import (
	"encoding/json"
	"fmt"
)

// CapsuleType is the closed set of job kinds the platform accepts.
type CapsuleType int

const (
	CapsuleUnknown CapsuleType = iota
	CapsulePython
	CapsuleNotebook
)

// The platform spells the notebook capsule "jupiter". These constants are the
// only place the wire spelling appears.
const (
	wireCapsulePython   = "python"
	wireCapsuleNotebook = "jupiter"
)

func (c CapsuleType) Wire() string {
	switch c {
	case CapsulePython:
		return wireCapsulePython
	case CapsuleNotebook:
		return wireCapsuleNotebook
	default:
		return ""
	}
}

func ParseCapsule(wire string) (CapsuleType, error) {
	switch wire {
	case wireCapsulePython:
		return CapsulePython, nil
	case wireCapsuleNotebook:
		return CapsuleNotebook, nil
	default:
		return CapsuleUnknown, fmt.Errorf("unknown capsule type %q", wire)
	}
}

func (c CapsuleType) String() string {
	switch c {
	case CapsulePython:
		return "python-job"
	case CapsuleNotebook:
		return "notebook-job"
	default:
		return "unknown"
	}
}

func (c CapsuleType) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Wire())
}

func (c *CapsuleType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseCapsule(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
