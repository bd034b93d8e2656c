package extract

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	_ "embed"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/magpie/pkg/errdefs"
)

//go:embed formats.yaml
var formatsYAML []byte

// FormatSpec is one row of the format policy table
type FormatSpec struct {
	Selector  string `yaml:"selector"`
	Container string `yaml:"container"`
	Kind      string `yaml:"kind"` // audio or video
}

// IsAudio reports whether the format produces an audio-only artefact
func (f FormatSpec) IsAudio() bool { return f.Kind == "audio" }

type formatTable struct {
	Formats map[string]FormatSpec `yaml:"formats"`
}

var formats map[string]FormatSpec

func init() {
	var table formatTable
	if err := yaml.Unmarshal(formatsYAML, &table); err != nil {
		panic(fmt.Sprintf("invalid embedded format table: %v", err))
	}
	formats = table.Formats
}

// FormatNames returns the accepted format names, sorted
func FormatNames() []string {
	names := make([]string, 0, len(formats))
	for name := range formats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupFormat resolves a format name against the policy table
func LookupFormat(name string) (FormatSpec, error) {
	spec, ok := formats[strings.ToLower(name)]
	if !ok {
		return FormatSpec{}, errdefs.New(errdefs.KindValidation, errdefs.CodeInvalidFormat,
			fmt.Sprintf("unsupported format %q, expected one of: %s", name, strings.Join(FormatNames(), ", ")))
	}
	return spec, nil
}

var qualityRe = regexp.MustCompile(`^(\d{3,4})p$`)

// SelectorFor computes the extractor format expression from the task's
// format, explicit format id and quality, in that precedence order.
func SelectorFor(format, formatID, quality string) (string, error) {
	// An explicit format id wins over everything, with a sane chain
	// of fallbacks behind it
	if formatID != "" {
		return fmt.Sprintf("%s/bestvideo+bestaudio/best", formatID), nil
	}

	spec, err := LookupFormat(format)
	if err != nil {
		return "", err
	}

	switch quality {
	case "", "best":
		return spec.Selector, nil
	case "worst":
		return "worst", nil
	}

	m := qualityRe.FindStringSubmatch(quality)
	if m == nil {
		return "", errdefs.New(errdefs.KindValidation, errdefs.CodeInvalidQuality,
			fmt.Sprintf("invalid quality %q, expected best, worst or a height like 720p", quality))
	}
	if spec.IsAudio() {
		// Height bounds are meaningless for audio targets
		return spec.Selector, nil
	}
	height := m[1]
	return fmt.Sprintf("bestvideo[height<=%s]+bestaudio/best[height<=%s]", height, height), nil
}
