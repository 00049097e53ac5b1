package protocol

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultRedFlagKeywords are matched case-insensitively against the whole
// raw response, tags included.
var DefaultRedFlagKeywords = []string{
	"seek immediate",
	"emergency",
	"call 911",
	"urgent evaluation",
	"go to the hospital",
	"seek prompt care immediately",
}

// SafetyClassifier decides whether a raw response carries a red flag.
type SafetyClassifier interface {
	IsRedFlag(raw string) bool
}

// KeywordClassifier flags a response when any phrase occurs in it. It can
// false-positive; it never depends on the model remembering a tag.
type KeywordClassifier struct {
	keywords []string
}

func NewKeywordClassifier(keywords ...string) KeywordClassifier {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			lowered = append(lowered, k)
		}
	}
	return KeywordClassifier{keywords: lowered}
}

func DefaultKeywordClassifier() KeywordClassifier {
	return NewKeywordClassifier(DefaultRedFlagKeywords...)
}

func (c KeywordClassifier) Keywords() []string {
	return append([]string(nil), c.keywords...)
}

func (c KeywordClassifier) IsRedFlag(raw string) bool {
	lower := strings.ToLower(raw)
	for _, k := range c.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

type keywordFile struct {
	Keywords []string `yaml:"keywords"`
	// Extend keeps the default list and adds Keywords to it.
	Extend bool `yaml:"extend"`
}

// LoadKeywordFile reads a YAML keyword list:
//
//	extend: true
//	keywords:
//	  - "chest pain"
func LoadKeywordFile(path string) (KeywordClassifier, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return KeywordClassifier{}, errors.Wrap(err, "read red flag keyword file")
	}
	var f keywordFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return KeywordClassifier{}, errors.Wrapf(err, "parse red flag keyword file %s", path)
	}
	keywords := f.Keywords
	if f.Extend {
		keywords = append(append([]string(nil), DefaultRedFlagKeywords...), f.Keywords...)
	}
	if len(keywords) == 0 {
		return KeywordClassifier{}, errors.Errorf("red flag keyword file %s lists no keywords", path)
	}
	return NewKeywordClassifier(keywords...), nil
}

type safetySection struct {
	classifier SafetyClassifier
}

func (s safetySection) Apply(raw string, res *Parsed) {
	if s.classifier == nil {
		return
	}
	res.IsRedFlag = s.classifier.IsRedFlag(raw)
}
