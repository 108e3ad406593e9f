package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidVerdict is returned when the model reply is not a usable verdict
var ErrInvalidVerdict = errors.New("classifier returned an invalid verdict")

// Verdict is the classifier's judgement over the requests of one alert
type Verdict struct {
	FPPatterns    []FPPattern `json:"fp_patterns"`
	NonFPRequests []any       `json:"non_fp_requests"`
}

// FPPattern describes one group of false-positive requests and the
// exception the model proposes for it
type FPPattern struct {
	Requests   []any  `json:"requests"`
	Variable   string `json:"variable"`
	Operator   string `json:"operator"`
	Value      string `json:"value"`
	Phase      int    `json:"phase"`
	Confidence string `json:"confidence"`
	Scope      string `json:"scope"`
	RORT       RORT   `json:"rort"`
}

// FPRequestIDs returns the distinct request IDs referenced by the FP
// patterns in ascending order. References that are not request numbers
// are skipped.
func (v Verdict) FPRequestIDs() []int {
	seen := make(map[int]bool)
	var ids []int
	for _, fp := range v.FPPatterns {
		for _, id := range RequestIDs(fp.Requests) {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	slices.Sort(ids)
	return ids
}

// RequestIDs converts request references as models print them (3, 3.0,
// "3", "#3") into request IDs
func RequestIDs(refs []any) []int {
	ids := make([]int, 0, len(refs))
	for _, ref := range refs {
		switch v := ref.(type) {
		case float64:
			if v >= 1 && v == math.Trunc(v) {
				ids = append(ids, int(v))
			}
		case string:
			n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(v), "#"))
			if err == nil && n >= 1 {
				ids = append(ids, n)
			}
		}
	}
	return ids
}

// RORT is the rule selector proposed by the model
type RORT struct {
	Type   string     `json:"type"`
	Values []flexText `json:"values"`
}

// Strings returns the selector values as text
func (r RORT) Strings() []string {
	out := make([]string, len(r.Values))
	for i, v := range r.Values {
		out[i] = string(v)
	}
	return out
}

// flexText accepts a JSON string or number. Models print rule IDs both ways.
type flexText string

func (f *flexText) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexText(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexText(n.String())
	return nil
}

const verdictSchema = `{
  "type": "object",
  "required": ["fp_patterns"],
  "properties": {
    "fp_patterns": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["variable", "rort"],
        "properties": {
          "variable":   {"type": "string"},
          "operator":   {"type": "string"},
          "value":      {"type": ["string", "number"]},
          "phase":      {"type": ["integer", "string"]},
          "confidence": {"type": "string"},
          "scope":      {"type": "string"},
          "requests":   {"type": "array"},
          "rort": {
            "type": "object",
            "required": ["values"],
            "properties": {
              "type":   {"type": "string"},
              "values": {"type": "array", "items": {"type": ["string", "integer"]}}
            }
          }
        }
      }
    },
    "non_fp_requests": {"type": "array"}
  }
}`

var (
	verdictSchemaLoader = gojsonschema.NewStringLoader(verdictSchema)
	jsonObjectPattern   = regexp.MustCompile(`\{[\s\S]*\}`)
)

// ParseVerdict extracts the JSON object from a model reply, checks it
// against the verdict schema and decodes it. Replies that wrap the object
// in prose or code fences are accepted.
func ParseVerdict(text string) (Verdict, error) {
	raw := []byte(text)
	if !json.Valid(raw) {
		match := jsonObjectPattern.Find(raw)
		if match == nil || !json.Valid(match) {
			return Verdict{}, fmt.Errorf("%w: no JSON object in reply", ErrInvalidVerdict)
		}
		raw = match
	}

	result, err := gojsonschema.Validate(verdictSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrInvalidVerdict, err)
	}
	if !result.Valid() {
		return Verdict{}, fmt.Errorf("%w: %v", ErrInvalidVerdict, result.Errors())
	}

	var doc struct {
		FPPatterns []struct {
			FPPattern
			Value json.RawMessage `json:"value"`
			Phase json.RawMessage `json:"phase"`
		} `json:"fp_patterns"`
		NonFPRequests []any `json:"non_fp_requests"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrInvalidVerdict, err)
	}

	v := Verdict{NonFPRequests: doc.NonFPRequests}
	for _, p := range doc.FPPatterns {
		fp := p.FPPattern
		fp.Value = scalarText(p.Value)
		fp.Phase, _ = strconv.Atoi(scalarText(p.Phase))
		v.FPPatterns = append(v.FPPatterns, fp)
	}
	return v, nil
}

func scalarText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
