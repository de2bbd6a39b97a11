package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"sifter/internal/config"
)

// FrontMatter is the optional YAML header of a prompt file.
type FrontMatter struct {
	Filter string `yaml:"filter"`
	// AnalysisType overrides the derived cache bucket.
	AnalysisType string `yaml:"analysis_type"`
	BatchSize    int    `yaml:"batch_size"`
	MaxBatches   int    `yaml:"max_batches"`
	Concurrency  int    `yaml:"concurrency"`
}

type Prompt struct {
	FrontMatter
	Body string
}

// ParsePrompt splits a prompt into front matter and body. The front matter
// ends at the first line consisting of "---"; a leading "---" line is allowed.
// Without a separator the whole text is the body.
func ParsePrompt(text string) (Prompt, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimPrefix(text, "---\n")
	padded := "\n" + text
	idx := strings.Index(padded, "\n---\n")
	if idx < 0 {
		return Prompt{FrontMatter: FrontMatter{Filter: config.Unfiltered}, Body: text}, nil
	}
	var p Prompt
	if err := yaml.Unmarshal([]byte(padded[:idx]), &p.FrontMatter); err != nil {
		return Prompt{}, fmt.Errorf("invalid prompt front matter: %w", err)
	}
	if p.Filter == "" {
		p.Filter = config.Unfiltered
	}
	p.Body = padded[idx+len("\n---\n"):]
	return p, nil
}

// LoadPrompt reads and parses a prompt file.
func LoadPrompt(path string) (Prompt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Prompt{}, err
	}
	return ParsePrompt(string(data))
}

// AnalysisType is the cache bucket for artifacts produced with this prompt.
// Changing the prompt body changes the bucket, so stale artifacts are never
// returned for a different prompt.
func (p Prompt) AnalysisType() string {
	if p.FrontMatter.AnalysisType != "" {
		return p.FrontMatter.AnalysisType
	}
	sum := sha256.Sum256([]byte(p.Body))
	return p.Filter + ":" + hex.EncodeToString(sum[:])[:6]
}
