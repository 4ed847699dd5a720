// Package i18n renders localized user-facing error messages.
package i18n

import (
	"bytes"
	"strings"
	"text/template"

	"golang.org/x/text/language"
)

// BaseLocale is the canonical source locale for catalogs.
const BaseLocale = "en-US"

// Catalog maps error codes to message templates for a specific locale.
type Catalog struct {
	locale   string
	messages map[string]string
}

var catalogs = map[string]*Catalog{}

var (
	matcher language.Matcher
	// matcherLocales mirrors the tag order handed to the matcher.
	matcherLocales []string
)

func register(locale string, messages map[string]string) {
	catalogs[locale] = &Catalog{locale: locale, messages: messages}
	// Base locale first so it wins ties and acts as the fallback.
	if locale == BaseLocale {
		matcherLocales = append([]string{locale}, matcherLocales...)
	} else {
		matcherLocales = append(matcherLocales, locale)
	}
}

func init() {
	register(BaseLocale, messagesEnUS)
	register("pt-BR", messagesPtBR)

	tags := make([]language.Tag, 0, len(matcherLocales))
	for _, locale := range matcherLocales {
		tags = append(tags, language.MustParse(locale))
	}
	matcher = language.NewMatcher(tags)
}

// GetCatalog returns the catalog best matching the requested locale.
// Falls back to en-US when the locale is unknown or empty.
func GetCatalog(locale string) *Catalog {
	requested := strings.TrimSpace(locale)
	if requested == "" {
		return catalogs[BaseLocale]
	}
	tag, err := language.Parse(requested)
	if err != nil {
		return catalogs[BaseLocale]
	}
	_, index, _ := matcher.Match(tag)
	if c, ok := catalogs[matcherLocales[index]]; ok {
		return c
	}
	return catalogs[BaseLocale]
}

// Locale returns the locale of this catalog.
func (c *Catalog) Locale() string {
	return c.locale
}

// Format renders the message template for code with the given metadata.
// Falls back to the code itself when no template exists, and to the raw
// template text when rendering fails.
func (c *Catalog) Format(code string, metadata map[string]string) string {
	text, ok := c.messages[code]
	if !ok {
		if c.locale != BaseLocale {
			return GetCatalog(BaseLocale).Format(code, metadata)
		}
		return code
	}

	tmpl, err := template.New(code).Parse(text)
	if err != nil {
		return text
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, metadata); err != nil {
		return text
	}
	return buf.String()
}
