// Package response writes the service's JSON envelopes:
//
//	success: {"data": ...}
//	failure: {"error":{"code","message","meta","request_id"}}
package response

import (
	"encoding/json"
	"net/http"
)

type Envelope struct {
	Data any `json:"data,omitempty"`
}

type ErrorBody struct {
	Error ErrorPayload `json:"error"`
}

type ErrorPayload struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Meta      map[string]string `json:"meta,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

func JSON(w http.ResponseWriter, status int, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Data(w http.ResponseWriter, status int, payload any) {
	JSON(w, status, Envelope{Data: payload})
}

// Fail writes an error envelope. meta carries machine-readable details such
// as the caller's position on a duplicate join.
func Fail(w http.ResponseWriter, status int, code, message string, meta map[string]string, requestID string) {
	body := ErrorBody{}
	body.Error.Code = code
	body.Error.Message = message
	body.Error.Meta = meta
	body.Error.RequestID = requestID
	JSON(w, status, body)
}
