// Package i18n resolves client locales and renders the system chat lines the
// server writes on its own behalf.
package i18n

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Message keys.
const (
	KeySystemLabel      = "chat.system_label"
	KeyWelcome          = "chat.welcome"
	KeyWelcomeObjective = "chat.welcome_objective"
	KeyJoined           = "chat.presence_joined"
	KeyLeft             = "chat.presence_left"
)

var supported = []language.Tag{
	language.AmericanEnglish,
	language.BrazilianPortuguese,
}

var matcher = language.NewMatcher(supported)

var messages = map[language.Tag]map[string]string{
	language.AmericanEnglish: {
		KeySystemLabel:      "system",
		KeyWelcome:          "Welcome %s. You've joined room %s.",
		KeyWelcomeObjective: "Welcome %s. You've joined room %s. Current objective: %s",
		KeyJoined:           "%s joined the room.",
		KeyLeft:             "%s left the room.",
	},
	language.BrazilianPortuguese: {
		KeySystemLabel:      "sistema",
		KeyWelcome:          "Bem-vindo %s. Você entrou na sala %s.",
		KeyWelcomeObjective: "Bem-vindo %s. Você entrou na sala %s. Objetivo atual: %s",
		KeyJoined:           "%s entrou na sala.",
		KeyLeft:             "%s saiu da sala.",
	},
}

var builder = mustBuildCatalog()

func mustBuildCatalog() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(DefaultTag()))
	for tag, entries := range messages {
		for key, value := range entries {
			if err := b.SetString(tag, key, value); err != nil {
				panic("i18n: register " + key + ": " + err.Error())
			}
		}
	}
	return b
}

// DefaultTag returns the fallback language.
func DefaultTag() language.Tag {
	return language.AmericanEnglish
}

// SupportedTags returns the languages with a full message set.
func SupportedTags() []language.Tag {
	return append([]language.Tag(nil), supported...)
}

// ParseTag parses value and matches it to a supported language.
func ParseTag(value string) (language.Tag, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultTag(), false
	}
	tag, err := language.Parse(value)
	if err != nil {
		return DefaultTag(), false
	}
	matched, _, confidence := matcher.Match(tag)
	if confidence == language.No {
		return DefaultTag(), false
	}
	return supportedBase(matched), true
}

// MatchAcceptLanguage picks the best supported language for an
// Accept-Language header value.
func MatchAcceptLanguage(header string) language.Tag {
	header = strings.TrimSpace(header)
	if header == "" {
		return DefaultTag()
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return DefaultTag()
	}
	matched, _, confidence := matcher.Match(tags...)
	if confidence == language.No {
		return DefaultTag()
	}
	return supportedBase(matched)
}

// Printer returns a message printer for tag backed by the chat catalog.
func Printer(tag language.Tag) *message.Printer {
	return message.NewPrinter(supportedBase(tag), message.Catalog(builder))
}

// supportedBase strips matcher extensions (e.g. "-u-rg-...") so printers and
// comparisons see the plain supported tag.
func supportedBase(tag language.Tag) language.Tag {
	for _, candidate := range supported {
		if candidate == tag {
			return candidate
		}
	}
	_, index, _ := matcher.Match(tag)
	return supported[index]
}
