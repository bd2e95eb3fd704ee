package i18n

// Error codes must match the codes defined in internal/platform/errors/codes.go.
var enUS = map[Code]string{
	"INVALID_CUSTOMER_ID":            "This customer is not allowed to open support chats.",
	"UNAUTHENTICATED":                "Please sign in as an agent to continue.",
	"PERMISSION_DENIED":              "You do not have access to this chat.",
	"INVALID_ARGUMENT":               "The request is invalid: {{.Reason}}",
	"ATTACHMENT_TOO_LARGE":           "Attachments must be {{.Limit}} or smaller.",
	"CHAT_INVALID_TRANSITION":        "This chat can no longer be changed.",
	"CHAT_INVALID_RATING":            "Ratings must be between 1 and 5.",
	"CHAT_ALREADY_RATED":             "This chat has already been rated.",
	"NOT_FOUND":                      "We could not find that chat.",
	"WRITE_FAILED":                   "We could not save your message. Please try again.",
	"SUBSCRIPTION_RESOLUTION_FAILED": "Notifications are temporarily unavailable.",
	"UNKNOWN":                        "Something went wrong.",
}

var ptBR = map[Code]string{
	"INVALID_CUSTOMER_ID":            "Este cliente não pode abrir chats de suporte.",
	"UNAUTHENTICATED":                "Entre como atendente para continuar.",
	"PERMISSION_DENIED":              "Você não tem acesso a este chat.",
	"INVALID_ARGUMENT":               "A requisição é inválida: {{.Reason}}",
	"ATTACHMENT_TOO_LARGE":           "Anexos devem ter no máximo {{.Limit}}.",
	"CHAT_INVALID_TRANSITION":        "Este chat não pode mais ser alterado.",
	"CHAT_INVALID_RATING":            "A avaliação deve ser entre 1 e 5.",
	"CHAT_ALREADY_RATED":             "Este chat já foi avaliado.",
	"NOT_FOUND":                      "Não encontramos esse chat.",
	"WRITE_FAILED":                   "Não foi possível salvar sua mensagem. Tente novamente.",
	"SUBSCRIPTION_RESOLUTION_FAILED": "As notificações estão temporariamente indisponíveis.",
	"UNKNOWN":                        "Algo deu errado.",
}
