package render

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.BrazilianPortuguese

	message.SetString(lang, keyJoined, "%s entrou no chat")
	message.SetString(lang, keyLeft, "%s saiu do chat. Aguardando um atendente...")
	message.SetString(lang, keyClosedByAgent, "Chat encerrado pelo atendente")
	message.SetString(lang, keyEndedByCustomer, "Chat encerrado pelo cliente")
	message.SetString(lang, keySentFile, "Enviou um arquivo: %s")
}
