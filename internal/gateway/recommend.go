package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Recommendation is a suggested specialist attached to a reply.
type Recommendation struct {
	Name           string `json:"name"`
	Specialization string `json:"specialization"`
	Location       string `json:"location"`
	Fees           Fee    `json:"fees"`
}

// Fee accepts either a JSON number or string.
type Fee string

func (f *Fee) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = Fee(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = Fee(n.String())
	return nil
}

// Dedupe keeps the first recommendation per name, preserving order.
func Dedupe(recs []Recommendation) []Recommendation {
	seen := make(map[string]bool, len(recs))
	out := make([]Recommendation, 0, len(recs))
	for _, r := range recs {
		key := strings.ToLower(strings.TrimSpace(r.Name))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

// Render formats recommendations as the text of one assistant turn.
func Render(recs []Recommendation) string {
	var b strings.Builder
	b.WriteString("Recommended doctors:")
	for _, r := range recs {
		b.WriteString("\n- ")
		b.WriteString(r.Name)
		if r.Specialization != "" {
			b.WriteString(", ")
			b.WriteString(r.Specialization)
		}
		if r.Location != "" {
			b.WriteString(" (")
			b.WriteString(r.Location)
			b.WriteString(")")
		}
		if r.Fees != "" {
			fmt.Fprintf(&b, ", fees %s", r.Fees)
		}
	}
	return b.String()
}
