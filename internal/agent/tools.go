package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/voxbridge/voxbridge/pkg/provider/llm"
)

// Tool names offered to the LLM. Anything else the model asks for is
// rejected and reported back as a tool error.
const (
	toolTransferCall = "transfer_call"
	toolEndCall      = "end_call"
)

// defaultFuzzyThreshold is the minimum Jaro-Winkler similarity for a spoken
// department name to resolve to a directory entry.
const defaultFuzzyThreshold = 0.84

var dialablePattern = regexp.MustCompile(`^[0-9*#]+$`)

// callTools returns the tool definitions advertised to the LLM.
func callTools() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        toolTransferCall,
			Description: "Transfer the caller to an extension or a named department. Use this when the caller asks to speak with a specific person, team, or department.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target": map[string]any{
						"type":        "string",
						"description": "Extension number or department name to transfer to.",
					},
					"reason": map[string]any{
						"type":        "string",
						"description": "Short reason for the transfer.",
					},
				},
				"required": []string{"target"},
			},
		},
		{
			Name:        toolEndCall,
			Description: "End the call. Use this when the conversation is finished or the caller asks to hang up.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{
						"type":        "string",
						"description": "Short reason for ending the call.",
					},
				},
			},
		},
	}
}

type transferArgs struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

type endCallArgs struct {
	Reason string `json:"reason"`
}

// Directory maps spoken department or person names to dialable extensions.
// Lookups are case-insensitive; spoken names from STT are matched fuzzily to
// absorb transcription noise ("billing" vs "bill ing").
type Directory struct {
	entries        map[string]string
	fuzzyThreshold float64
}

// NewDirectory builds a Directory from a name-to-extension map. threshold
// tunes the fuzzy match cutoff; pass 0 for the default.
func NewDirectory(entries map[string]string, threshold float64) *Directory {
	if threshold <= 0 {
		threshold = defaultFuzzyThreshold
	}
	normalized := make(map[string]string, len(entries))
	for name, ext := range entries {
		normalized[normalizeName(name)] = ext
	}
	return &Directory{entries: normalized, fuzzyThreshold: threshold}
}

// Resolve turns a tool-call target into a dialable extension. Targets that
// are already dialable (digits, '*', '#') pass through unchanged. Anything
// else is treated as a spoken name and matched against the directory.
func (d *Directory) Resolve(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", fmt.Errorf("empty transfer target")
	}
	if dialablePattern.MatchString(target) {
		return target, nil
	}
	if d == nil || len(d.entries) == 0 {
		return "", fmt.Errorf("no directory configured for name %q", target)
	}

	name := normalizeName(target)
	if ext, ok := d.entries[name]; ok {
		return ext, nil
	}

	// Fuzzy pass: highest Jaro-Winkler score wins, Double Metaphone overlap
	// settles near-threshold cases where the transcription mangled spelling
	// but kept the sound.
	var (
		bestExt   string
		bestScore float64
	)
	inputCodes := metaphoneCodes(name)
	for candidate, ext := range d.entries {
		score := matchr.JaroWinkler(name, candidate, false)
		if score >= d.fuzzyThreshold && score > bestScore {
			bestExt, bestScore = ext, score
			continue
		}
		if score >= d.fuzzyThreshold-0.1 && codesOverlap(inputCodes, metaphoneCodes(candidate)) && score > bestScore {
			bestExt, bestScore = ext, score
		}
	}
	if bestExt == "" {
		return "", fmt.Errorf("no directory entry matches %q", target)
	}
	return bestExt, nil
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func metaphoneCodes(s string) map[string]struct{} {
	codes := make(map[string]struct{}, 4)
	for _, tok := range strings.Fields(s) {
		p, sec := matchr.DoubleMetaphone(tok)
		if p != "" {
			codes[p] = struct{}{}
		}
		if sec != "" {
			codes[sec] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// decodeToolArgs unmarshals a tool call's JSON arguments into dst.
func decodeToolArgs(tc llm.ToolCall, dst any) error {
	if strings.TrimSpace(tc.Arguments) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(tc.Arguments), dst); err != nil {
		return fmt.Errorf("tool %s: bad arguments: %w", tc.Name, err)
	}
	return nil
}
