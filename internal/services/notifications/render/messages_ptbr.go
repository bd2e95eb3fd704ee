package render

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.MustParse("pt-BR")

	message.SetString(lang, "push.title", "Chat de Suporte")
	message.SetString(lang, "push.generic.body", "Você tem uma nova mensagem.")
}
