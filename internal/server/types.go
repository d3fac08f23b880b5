// Package server defines the payload types exchanged over the chat and edit
// endpoints and the shared helpers for writing REST responses.
package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Tyrowin/collabchat/internal/registry"
)

// ChatFrame inbound chat message, sent on the chat stream or to PUT /chat/send
type ChatFrame struct {
	// Message is the chat text
	Message string `json:"message" validate:"required"`
}

// ErrorDetail in case of REST error, the response
type ErrorDetail struct {
	Code int     `json:"code"`
	Msg  *string `json:"message,omitempty"`
}

// StandardResponse standard REST API response
type StandardResponse struct {
	Success bool         `json:"success"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// MembersResponse response listing the chat members
type MembersResponse struct {
	StandardResponse
	// Members is the sorted list of chat members
	Members []registry.Identity `json:"members"`
}

// EditSendResponse response to an edit append
type EditSendResponse struct {
	StandardResponse
	// Viewers is the number of viewers that received the updated buffer
	Viewers int `json:"viewers"`
	// Size is the buffer size after the append, in bytes
	Size int `json:"size"`
}

// getStdRESTSuccessMsg define a standard success message
func getStdRESTSuccessMsg() StandardResponse {
	return StandardResponse{Success: true}
}

// getStdRESTErrorMsg define a standard error message
func getStdRESTErrorMsg(code int, message string) StandardResponse {
	return StandardResponse{
		Success: false, Error: &ErrorDetail{Code: code, Msg: &message},
	}
}

// writeRESTResponse write a REST response
func writeRESTResponse(w http.ResponseWriter, respCode int, resp interface{}) error {
	t, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(respCode)
	_, err = w.Write(t)
	return err
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
