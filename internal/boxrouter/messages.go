package boxrouter

import "encoding/json"

// Wire message types exchanged with the cloud router.
const (
	msgAuth               = "auth"
	msgSetTemp            = "set_temp"
	msgUpdateSubscribers  = "update_subscribers"
	msgForceEvent         = "force_event"
	msgRequest            = "request"
	msgReqResponse        = "req_response"
	msgResponseFromClient = "response_from_client"
	msgRequestToClient    = "request_to_client"
	msgSendEvent          = "send_event"
	msgSendEventToClient  = "send_event_to_client"
)

// Cloud-side auth error subtypes.
const (
	authErrBoxIDInUse   = "box_id_in_use"
	authErrMustRetry    = "must_retry"
	authErrUnauthorized = "unable_to_authenticate"
)

// message is the generic inbound envelope. ReqID and ClientID are only set
// for request/response correlation messages.
type message struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	ReqID    string          `json:"reqId,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// requestBody is the nested body of an inbound "request" message.
type requestBody struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// authRequest is the handshake the box sends after the session opens.
type authRequest struct {
	SilentReconnect bool   `json:"silentReconnect"`
	BoxID           string `json:"boxId"`
	VariantID       string `json:"variantId"`
	BoxName         string `json:"boxName"`
	SWVersion       string `json:"swVersion"`
	Platform        string `json:"platform"`
	LocalIPAddress  string `json:"localIpAddress"`
	AccessToken     string `json:"accessToken"`
	PrinterModel    string `json:"printerModel,omitempty"`
}

// authResult is the cloud's reply to the handshake.
type authResult struct {
	Success bool   `json:"success"`
	Error   bool   `json:"error"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	FleetID string `json:"fleetId,omitempty"`
	GroupID string `json:"groupId,omitempty"`
}

// envelope builds an outbound {"type": ..., "data": ...} frame.
func envelope(msgType string, data any) map[string]any {
	return map[string]any{"type": msgType, "data": data}
}

// reqResponse builds the reply frame for an inbound request.
func reqResponse(reqID string, data any) map[string]any {
	return map[string]any{"type": msgReqResponse, "reqId": reqID, "data": data}
}

// errorResult is the canonical error payload for request replies.
func errorResult(msg string) map[string]any {
	return map[string]any{"error": true, "message": msg}
}

// successResult is the default payload when a handler completes with nil.
func successResult() map[string]any {
	return map[string]any{"success": true}
}
