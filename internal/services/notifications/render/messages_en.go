package render

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.English

	message.SetString(lang, "push.title", defaultTitle)
	message.SetString(lang, "push.generic.body", defaultBody)
}
