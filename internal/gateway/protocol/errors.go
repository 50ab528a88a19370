package protocol

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/perimetra/magkit/internal/gateway/domain"
)

// HeaderErrorCode carries the numeric application error code on error
// responses. Some gateway builds put it in the body instead, so decoding
// checks both.
const HeaderErrorCode = "x-ca-err"

// maxErrorBody caps how much of an error body we keep as the message.
const maxErrorBody = 2048

// errorBody is the JSON shape of a gateway error response. All fields are
// optional; older builds send plain text.
type errorBody struct {
	Code        json.Number `json:"x-ca-err"`
	Error       string      `json:"error"`
	Description string      `json:"error_description"`
}

// DecodeError classifies a non-200 response from the given endpoint family
// into a tagged error, preserving the application code, HTTP status, content
// type and server message for the caller.
func DecodeError(resp *http.Response, body []byte, family domain.EndpointFamily, codes domain.ErrorCodeTable) *domain.Error {
	var parsed errorBody
	_ = json.Unmarshal(body, &parsed)

	code := 0
	if raw := resp.Header.Get(HeaderErrorCode); raw != "" {
		code, _ = strconv.Atoi(strings.TrimSpace(raw))
	} else if parsed.Code != "" {
		code, _ = strconv.Atoi(parsed.Code.String())
	}

	msg := parsed.Description
	if msg == "" {
		msg = parsed.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(truncate(body, maxErrorBody)))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	return &domain.Error{
		Kind:        codes.Classify(family, code),
		HTTPStatus:  resp.StatusCode,
		Code:        code,
		ContentType: resp.Header.Get("Content-Type"),
		Message:     msg,
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
