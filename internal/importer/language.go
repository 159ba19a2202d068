package importer

import (
	"github.com/pemistahl/lingua-go"
)

// commonLanguages are always offered to the detector alongside the corpus
// language.
var commonLanguages = []lingua.Language{
	lingua.English,
	lingua.German,
	lingua.French,
	lingua.Spanish,
	lingua.Italian,
	lingua.Portuguese,
	lingua.Dutch,
}

// LanguageReport summarizes a language check over sampled documents.
type LanguageReport struct {
	Expected   string `json:"expected"`
	Sampled    int    `json:"sampled"`
	Mismatched int    `json:"mismatched"`
	// Detected counts sampled documents per detected language.
	Detected map[string]int `json:"detected"`
}

// MismatchRatio is the share of sampled documents in another language.
func (r LanguageReport) MismatchRatio() float64 {
	if r.Sampled == 0 {
		return 0
	}
	return float64(r.Mismatched) / float64(r.Sampled)
}

// LanguageChecker detects the language of document texts.
type LanguageChecker struct {
	detector lingua.LanguageDetector
}

// NewLanguageChecker builds a detector over the given languages plus a set of
// common ones.
func NewLanguageChecker(languages ...lingua.Language) *LanguageChecker {
	seen := map[lingua.Language]bool{}
	var candidates []lingua.Language
	all := append(append([]lingua.Language{}, languages...), commonLanguages...)
	for _, lang := range all {
		if lang != lingua.Unknown && !seen[lang] {
			seen[lang] = true
			candidates = append(candidates, lang)
		}
	}
	detector := lingua.NewLanguageDetectorBuilder().
		FromLanguages(candidates...).
		WithLowAccuracyMode().
		Build()
	return &LanguageChecker{detector: detector}
}

// Check samples up to sample texts evenly and compares their detected
// language against expected. Texts whose language cannot be determined are
// not counted.
func (c *LanguageChecker) Check(texts []string, expected lingua.Language, sample int) LanguageReport {
	report := LanguageReport{Expected: expected.String(), Detected: map[string]int{}}
	if len(texts) == 0 || sample <= 0 {
		return report
	}

	step := 1
	if len(texts) > sample {
		step = len(texts) / sample
	}
	for i := 0; i < len(texts) && report.Sampled < sample; i += step {
		lang, ok := c.detector.DetectLanguageOf(texts[i])
		if !ok {
			continue
		}
		report.Sampled++
		report.Detected[lang.String()]++
		if lang != expected {
			report.Mismatched++
		}
	}
	return report
}
