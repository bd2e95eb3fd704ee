package render

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.English

	message.SetString(lang, keyJoined, "%s has joined the chat")
	message.SetString(lang, keyLeft, "%s has left the chat. Waiting for an agent...")
	message.SetString(lang, keyClosedByAgent, "Chat closed by agent")
	message.SetString(lang, keyEndedByCustomer, "Chat ended by customer")
	message.SetString(lang, keySentFile, "Sent a file: %s")
}
