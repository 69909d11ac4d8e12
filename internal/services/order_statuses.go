package services

import (
	_ "embed"
	"errors"
	"fmt"
	"maps"
	"strings"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	domain "github.com/storefront-lab/orders/internal/domain"
)

//go:embed order_statuses.yaml
var defaultStatusCatalog []byte

// StatusCatalog holds display labels for every order status, per locale.
type StatusCatalog struct {
	fallback string
	tags     []language.Tag
	labels   map[string]map[string]string
	matcher  language.Matcher
}

type statusCatalogFile struct {
	Default string                       `yaml:"default"`
	Locales map[string]map[string]string `yaml:"locales"`
}

// DefaultStatusCatalog parses the embedded catalog.
func DefaultStatusCatalog() (*StatusCatalog, error) {
	return ParseStatusCatalog(defaultStatusCatalog)
}

// ParseStatusCatalog parses a YAML catalog. The default locale must label every status; other
// locales fall back to it for missing entries.
func ParseStatusCatalog(raw []byte) (*StatusCatalog, error) {
	var file statusCatalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("status catalog: %w", err)
	}
	fallback := strings.TrimSpace(file.Default)
	if fallback == "" {
		return nil, errors.New("status catalog: default locale is required")
	}
	base, ok := file.Locales[fallback]
	if !ok {
		return nil, fmt.Errorf("status catalog: default locale %q has no labels", fallback)
	}
	for _, status := range domain.OrderStatuses {
		if strings.TrimSpace(base[string(status)]) == "" {
			return nil, fmt.Errorf("status catalog: default locale is missing %q", status)
		}
	}

	fallbackTag, err := language.Parse(fallback)
	if err != nil {
		return nil, fmt.Errorf("status catalog: default locale: %w", err)
	}
	catalog := &StatusCatalog{
		fallback: fallbackTag.String(),
		tags:     []language.Tag{fallbackTag},
		labels:   make(map[string]map[string]string, len(file.Locales)),
	}
	catalog.labels[catalog.fallback] = base

	for locale, labels := range file.Locales {
		if locale == fallback {
			continue
		}
		tag, err := language.Parse(locale)
		if err != nil {
			return nil, fmt.Errorf("status catalog: locale %q: %w", locale, err)
		}
		merged := maps.Clone(base)
		for code, label := range labels {
			if strings.TrimSpace(label) != "" {
				merged[code] = label
			}
		}
		catalog.tags = append(catalog.tags, tag)
		catalog.labels[tag.String()] = merged
	}
	catalog.matcher = language.NewMatcher(catalog.tags)
	return catalog, nil
}

// Labels negotiates a locale from an Accept-Language value and returns the status labels for it.
func (c *StatusCatalog) Labels(acceptLanguage string) StatusLabels {
	locale := c.match(acceptLanguage)
	labels := make(map[string]string, len(domain.OrderStatuses))
	for _, status := range domain.OrderStatuses {
		labels[string(status)] = c.labels[locale][string(status)]
	}
	return StatusLabels{Locale: locale, Labels: labels}
}

func (c *StatusCatalog) match(acceptLanguage string) string {
	acceptLanguage = strings.TrimSpace(acceptLanguage)
	if acceptLanguage == "" {
		return c.fallback
	}
	prefs, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(prefs) == 0 {
		return c.fallback
	}
	_, index, confidence := c.matcher.Match(prefs...)
	if confidence == language.No {
		return c.fallback
	}
	return c.tags[index].String()
}
