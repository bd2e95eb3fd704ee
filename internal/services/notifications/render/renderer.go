package render

import (
	"encoding/json"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	defaultTitle = "Support Chat"
	defaultBody  = "You have a new message."

	// URLCustomer is where a customer notification lands.
	URLCustomer = "/a/client"
	// URLAgents is where an agent notification lands.
	URLAgents = "/a/dashboard"
)

// Channel identifies which client surface a payload opens.
type Channel string

const (
	// ChannelCustomer renders for the customer chat page.
	ChannelCustomer Channel = "customer"
	// ChannelAgents renders for the agent dashboard.
	ChannelAgents Channel = "agents"
)

// Input is one push render request.
type Input struct {
	Channel Channel
	Body    string
}

// Output is the push payload the service worker displays.
type Output struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// Localizer is the minimal message-printer contract required by the renderer.
type Localizer interface {
	Sprintf(key message.Reference, args ...any) string
}

var supported = []language.Tag{language.English, language.BrazilianPortuguese}

var matcher = language.NewMatcher(supported)

// Printer returns a printer for the closest supported locale to tag.
func Printer(tag string) *message.Printer {
	parsed, err := language.Parse(strings.TrimSpace(tag))
	if err != nil {
		return message.NewPrinter(language.English)
	}
	_, index, confidence := matcher.Match(parsed)
	if confidence == language.No {
		return message.NewPrinter(language.English)
	}
	return message.NewPrinter(supported[index])
}

// Render returns localized push copy. Message text is passed through; an
// empty body falls back to a generic line.
func Render(loc Localizer, input Input) Output {
	body := strings.TrimSpace(input.Body)
	if body == "" {
		body = localizeWithFallback(loc, "push.generic.body", defaultBody)
	}
	url := URLCustomer
	if input.Channel == ChannelAgents {
		url = URLAgents
	}
	return Output{
		Title: localizeWithFallback(loc, "push.title", defaultTitle),
		Body:  body,
		URL:   url,
	}
}

// Encode serializes a payload.
func Encode(out Output) ([]byte, error) {
	return json.Marshal(out)
}

func localize(loc Localizer, key message.Reference, args ...any) string {
	if loc == nil {
		if asString, ok := key.(string); ok {
			return asString
		}
		return ""
	}
	return loc.Sprintf(key, args...)
}

func localizeWithFallback(loc Localizer, key string, fallback string) string {
	value := strings.TrimSpace(localize(loc, key))
	if value == "" || value == key {
		return fallback
	}
	return value
}
