package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/tidwall/gjson"

	"sifter/internal/domain"
)

// Analyzer writes the free-text analysis of a batch of records.
type Analyzer struct {
	LLM                 Completer
	Model               string
	Prompt              string
	OutputPrompt        string
	Context             string
	ReasoningEffort     string
	MaxCompletionTokens int
}

func (a Analyzer) Analyze(ctx context.Context, batch []domain.Record) (string, error) {
	payloads := make([]json.RawMessage, len(batch))
	for i, rec := range batch {
		payloads[i] = rec.Data
	}
	data, err := json.MarshalIndent(payloads, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode batch payloads: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<purpose>\nAnalyze the records stated below based on the provided data.\n\n%s\n</purpose>\n\n", strings.TrimSpace(a.Prompt))
	b.WriteString("<format_rules>\n- Use markdown to format the output.\n- Structure the output using headings and subheadings.\n</format_rules>\n\n")
	fmt.Fprintf(&b, "<output>\n%s\n</output>\n\n--\n\n", strings.TrimSpace(a.OutputPrompt))
	fmt.Fprintf(&b, "<records>\n%s\n</records>", data)
	if a.Context != "" {
		fmt.Fprintf(&b, "\n\n<context>\n%s\n</context>", strings.TrimSpace(a.Context))
	}
	out, err := a.LLM.Complete(ctx, ChatRequest{
		Model:               a.Model,
		Messages:            []Message{{Role: "user", Content: b.String()}},
		ReasoningEffort:     a.ReasoningEffort,
		MaxCompletionTokens: a.MaxCompletionTokens,
	})
	if err != nil {
		return "", err
	}
	return stripThinking(out), nil
}

// stripThinking drops an inline <think>...</think> preamble some reasoning
// models emit before the answer.
func stripThinking(s string) string {
	if !strings.Contains(s, "<think>") {
		return s
	}
	idx := strings.Index(s, "</think>")
	if idx < 0 {
		return s
	}
	return strings.TrimLeft(s[idx+len("</think>"):], " \t\r\n")
}

// Selector picks the top records of a batch from its analysis.
type Selector struct {
	LLM   Completer
	Model string
}

type selectorEntry struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (s Selector) SelectTop(ctx context.Context, batch []domain.Record, analysis string) ([]int64, error) {
	entries := make([]selectorEntry, len(batch))
	for i, rec := range batch {
		entries[i] = selectorEntry{ID: rec.ID, Name: rec.Name}
	}
	list, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf(`Identify the top records based on the provided analysis.
If none of the records stand out, return an empty list.

Respond with a JSON object of the form {"top_ids": [<id>, ...]}, best first, and nothing else.

---

<records>
%s
</records>

<analysis>
%s
</analysis>`, list, indent(analysis, "    "))
	out, err := s.LLM.Complete(ctx, ChatRequest{
		Model:          s.Model,
		Messages:       []Message{{Role: "user", Content: prompt}},
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, err
	}
	return ParseTopIDs(out)
}

// ParseTopIDs reads {"top_ids": [...]} from a model response, tolerating a
// surrounding markdown code fence.
func ParseTopIDs(out string) ([]int64, error) {
	out = strings.TrimSpace(out)
	out = strings.TrimPrefix(out, "```json")
	out = strings.TrimPrefix(out, "```")
	out = strings.TrimSuffix(out, "```")
	if !gjson.Valid(out) {
		return nil, fmt.Errorf("select top: response is not valid JSON")
	}
	res := gjson.Get(out, "top_ids")
	if !res.IsArray() {
		return nil, fmt.Errorf("select top: response has no top_ids array")
	}
	ids := []int64{}
	for _, v := range res.Array() {
		if v.Type != gjson.Number {
			return nil, fmt.Errorf("select top: non-numeric id %s", v.Raw)
		}
		ids = append(ids, v.Int())
	}
	return ids, nil
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n")
}

// Static is an offline stand-in for a model: the analysis lists the batch and
// the top half of the batch (by id, rounded up) is selected.
type Static struct{}

func (Static) Analyze(_ context.Context, batch []domain.Record) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Batch of %d records\n", len(batch))
	for _, rec := range batch {
		fmt.Fprintf(&b, "- %s (#%d)\n", rec.Name, rec.ID)
	}
	return b.String(), nil
}

func (Static) SelectTop(_ context.Context, batch []domain.Record, _ string) ([]int64, error) {
	ids := make([]int64, len(batch))
	for i, rec := range batch {
		ids[i] = rec.ID
	}
	slices.Sort(ids)
	return ids[:(len(ids)+1)/2], nil
}
