package api

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/cuemby/magpie/pkg/errdefs"
	"github.com/cuemby/magpie/pkg/extract"
	"github.com/cuemby/magpie/pkg/log"
)

const (
	maxURLLength = 2048
	maxTitleLen  = 1000

	defaultListLimit = 50
	maxListLimit     = 200

	defaultEventLimit    = 100
	maxEventLimit        = 500
	defaultProgressLimit = 50
	maxProgressLimit     = 500
)

var (
	languagePattern = regexp.MustCompile(`^[a-z]{2}(-[A-Z]{2})?$`)
	qualityPattern  = regexp.MustCompile(`^\d{3,4}p$`)
)

// validateURL accepts absolute http/https URLs up to 2048 characters
func validateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxURLLength {
		return "", errdefs.New(errdefs.KindValidation, errdefs.CodeInvalidURL,
			"invalid URL: must be an absolute http or https URL of at most 2048 characters")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", errdefs.New(errdefs.KindValidation, errdefs.CodeInvalidURL,
			"invalid URL: must be an absolute http or https URL of at most 2048 characters")
	}
	return raw, nil
}

// validateTaskID accepts canonical UUID strings
func validateTaskID(raw string) (string, error) {
	if _, err := uuid.Parse(raw); err != nil {
		return "", errdefs.New(errdefs.KindValidation, errdefs.CodeInvalidUUID,
			fmt.Sprintf("invalid task id: %q is not a valid UUID", raw))
	}
	return raw, nil
}

// validateFormat lowercases and checks the name against the formats table
func validateFormat(raw string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		name = "mp4"
	}
	if _, err := extract.LookupFormat(name); err != nil {
		return "", errdefs.New(errdefs.KindValidation, errdefs.CodeInvalidFormat,
			fmt.Sprintf("invalid format %q, allowed: %s", raw, strings.Join(extract.FormatNames(), ", ")))
	}
	return name, nil
}

// validateQuality never rejects: an unusable value falls back to "best"
// with a warning so a bad quality hint cannot kill a task request
func validateQuality(raw string) string {
	if raw == "" {
		return "best"
	}
	lower := strings.ToLower(raw)
	if lower == "best" || lower == "worst" || qualityPattern.MatchString(lower) {
		return lower
	}
	logger := log.WithComponent("api")
	logger.Warn().
		Str("quality", raw).
		Msg("Invalid quality, falling back to best")
	return "best"
}

// validateLanguage accepts two-letter codes with an optional region
// subtag ("en", "pt-BR")
func validateLanguage(raw string) (string, error) {
	if raw == "" {
		return "en", nil
	}
	if !languagePattern.MatchString(raw) {
		return "", errdefs.New(errdefs.KindValidation, errdefs.CodeInvalidLanguage,
			fmt.Sprintf("invalid language code %q, expected e.g. \"en\" or \"pt-BR\"", raw))
	}
	return raw, nil
}

// clampLimit parses a limit query parameter and clamps it into
// [1, max], defaulting when absent or unparsable
func clampLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < 1 {
		return 1
	}
	if n > max {
		return max
	}
	return n
}

// truncateTitle caps a caller-supplied display title
func truncateTitle(title string) string {
	if len(title) > maxTitleLen {
		return title[:maxTitleLen]
	}
	return title
}
