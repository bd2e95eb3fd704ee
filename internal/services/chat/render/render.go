// Package render produces the localized copy of lifecycle system messages.
package render

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	keyJoined          = "chat.system.joined"
	keyLeft            = "chat.system.left"
	keyClosedByAgent   = "chat.system.closed_by_agent"
	keyEndedByCustomer = "chat.system.ended_by_customer"
	keySentFile        = "chat.system.sent_file"

	defaultAgentName = "Agent"
)

var supported = []language.Tag{language.English, language.BrazilianPortuguese}

var matcher = language.NewMatcher(supported)

// Localizer is the message-printer contract the renderer needs.
type Localizer interface {
	Sprintf(key message.Reference, args ...any) string
}

// Printer returns a printer for the closest supported locale to tag.
// Unknown or empty tags fall back to English.
func Printer(tag string) *message.Printer {
	return message.NewPrinter(Match(tag))
}

// Match resolves tag to one of the supported locales.
func Match(tag string) language.Tag {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return language.English
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return language.English
	}
	_, index, confidence := matcher.Match(parsed)
	if confidence == language.No {
		return language.English
	}
	return supported[index]
}

// Joined is appended when an agent claims a chat.
func Joined(loc Localizer, agentName string) string {
	return localize(loc, keyJoined, displayName(agentName))
}

// Left is appended when the assigned agent leaves an active chat.
func Left(loc Localizer, agentName string) string {
	return localize(loc, keyLeft, displayName(agentName))
}

// ClosedByAgent is appended when an agent closes a chat.
func ClosedByAgent(loc Localizer) string {
	return localize(loc, keyClosedByAgent)
}

// EndedByCustomer is appended when the customer ends a chat.
func EndedByCustomer(loc Localizer) string {
	return localize(loc, keyEndedByCustomer)
}

// SentFile is the content of an attachment message.
func SentFile(loc Localizer, name string) string {
	return localize(loc, keySentFile, strings.TrimSpace(name))
}

func displayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultAgentName
	}
	return name
}

func localize(loc Localizer, key string, args ...any) string {
	if loc == nil {
		loc = Printer("")
	}
	return loc.Sprintf(key, args...)
}
