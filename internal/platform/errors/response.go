package errors

import (
	stderrors "errors"

	"github.com/tsupport/supportchat/internal/platform/errors/i18n"
)

// AttachmentLimit is the human-readable upload cap used in error copy.
const AttachmentLimit = "25 MiB"

// Response is the client-facing error body shared by the HTTP and
// WebSocket surfaces. Message is localized; internal causes never leak.
type Response struct {
	Code      Code              `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ToResponse converts err into a localized Response. Errors without a
// domain code render as UNKNOWN.
func ToResponse(err error, locale string) Response {
	var domainErr *Error
	if !stderrors.As(err, &domainErr) {
		return Response{
			Code:    CodeUnknown,
			Message: i18n.GetCatalog(locale).Format(string(CodeUnknown), nil),
		}
	}

	metadata := make(map[string]string, len(domainErr.Metadata)+2)
	for key, value := range domainErr.Metadata {
		metadata[key] = value
	}
	if _, ok := metadata["Reason"]; !ok {
		metadata["Reason"] = domainErr.Message
	}
	if _, ok := metadata["Limit"]; !ok {
		metadata["Limit"] = AttachmentLimit
	}
	return Response{
		Code:      domainErr.Code,
		Message:   i18n.GetCatalog(locale).Format(string(domainErr.Code), metadata),
		Retryable: domainErr.Code.Retryable(),
		Metadata:  domainErr.Metadata,
	}
}
