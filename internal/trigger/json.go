package trigger

import (
	"encoding/json"
	"fmt"
	"time"
)

// Condition trees persist as JSON with a "type" discriminator per node.

type nodeEnvelope struct {
	Type string `json:"type"`

	// leaf fields (union; zero values omitted)
	ID          string      `json:"id,omitempty"`
	Cmp         Comparator  `json:"cmp,omitempty"`
	Source      PriceSource `json:"source,omitempty"`
	Ref         float64     `json:"ref,omitempty"`
	MAKind      string      `json:"ma_kind,omitempty"`
	MALookback  int         `json:"ma_lookback,omitempty"`
	Threshold   float64     `json:"threshold,omitempty"`
	WindowSec   int         `json:"window_sec,omitempty"`
	Mode        TimeMode    `json:"mode,omitempty"`
	At          time.Time   `json:"at,omitempty"`
	EverySec    int         `json:"every_sec,omitempty"`
	WindowStart string      `json:"window_start,omitempty"`
	WindowEnd   string      `json:"window_end,omitempty"`
	Indicator   string      `json:"indicator,omitempty"`
	Value       float64     `json:"value,omitempty"`
	Lookback    int         `json:"lookback,omitempty"`

	// combinator fields
	Children []json.RawMessage `json:"children,omitempty"`
	Child    json.RawMessage   `json:"child,omitempty"`
}

// MarshalCondition encodes a condition tree to JSON.
func MarshalCondition(c Condition) ([]byte, error) {
	env, err := toEnvelope(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func toEnvelope(c Condition) (*nodeEnvelope, error) {
	switch n := c.(type) {
	case *PriceCondition:
		return &nodeEnvelope{Type: "price", ID: n.ID, Cmp: n.Cmp, Source: n.Source,
			Ref: n.Ref, MAKind: n.MAKind, MALookback: n.MALookback}, nil
	case *VolumeCondition:
		return &nodeEnvelope{Type: "volume", ID: n.ID, Cmp: n.Cmp,
			Threshold: n.Threshold, WindowSec: n.WindowSec}, nil
	case *TimeCondition:
		return &nodeEnvelope{Type: "time", ID: n.ID, Mode: n.Mode, At: n.At,
			EverySec: n.EverySec, WindowStart: n.WindowStart, WindowEnd: n.WindowEnd}, nil
	case *TechnicalCondition:
		return &nodeEnvelope{Type: "technical", ID: n.ID, Indicator: n.Indicator,
			Cmp: n.Cmp, Value: n.Value, Lookback: n.Lookback}, nil
	case *And:
		children, err := marshalChildren(n.Conds)
		if err != nil {
			return nil, err
		}
		return &nodeEnvelope{Type: "and", ID: n.ID, Children: children}, nil
	case *Or:
		children, err := marshalChildren(n.Conds)
		if err != nil {
			return nil, err
		}
		return &nodeEnvelope{Type: "or", ID: n.ID, Children: children}, nil
	case *Not:
		child, err := MarshalCondition(n.Cond)
		if err != nil {
			return nil, err
		}
		return &nodeEnvelope{Type: "not", ID: n.ID, Child: child}, nil
	default:
		return nil, fmt.Errorf("trigger: unknown condition type %T", c)
	}
}

func marshalChildren(conds []Condition) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(conds))
	for _, c := range conds {
		raw, err := MarshalCondition(c)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// UnmarshalCondition decodes a condition tree from JSON.
func UnmarshalCondition(data []byte) (Condition, error) {
	var env nodeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("trigger: decode condition: %w", err)
	}

	switch env.Type {
	case "price":
		return &PriceCondition{ID: env.ID, Cmp: env.Cmp, Source: env.Source,
			Ref: env.Ref, MAKind: env.MAKind, MALookback: env.MALookback}, nil
	case "volume":
		return &VolumeCondition{ID: env.ID, Cmp: env.Cmp,
			Threshold: env.Threshold, WindowSec: env.WindowSec}, nil
	case "time":
		return &TimeCondition{ID: env.ID, Mode: env.Mode, At: env.At,
			EverySec: env.EverySec, WindowStart: env.WindowStart, WindowEnd: env.WindowEnd}, nil
	case "technical":
		return &TechnicalCondition{ID: env.ID, Indicator: env.Indicator,
			Cmp: env.Cmp, Value: env.Value, Lookback: env.Lookback}, nil
	case "and":
		conds, err := unmarshalChildren(env.Children)
		if err != nil {
			return nil, err
		}
		return &And{ID: env.ID, Conds: conds}, nil
	case "or":
		conds, err := unmarshalChildren(env.Children)
		if err != nil {
			return nil, err
		}
		return &Or{ID: env.ID, Conds: conds}, nil
	case "not":
		child, err := UnmarshalCondition(env.Child)
		if err != nil {
			return nil, err
		}
		return &Not{ID: env.ID, Cond: child}, nil
	default:
		return nil, fmt.Errorf("trigger: unknown condition type %q", env.Type)
	}
}

func unmarshalChildren(raw []json.RawMessage) ([]Condition, error) {
	out := make([]Condition, 0, len(raw))
	for _, r := range raw {
		c, err := UnmarshalCondition(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
