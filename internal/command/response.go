package command

import "github.com/opex/trading-engine/internal/model"

// Response is one response log entry, correlated to its requester by ReqID.
// Exactly one response is published per command that defines one;
// price-update is fire-and-forget and defines none.
type Response struct {
	Type    string
	ReqID   string
	Payload any
}

// ErrPayload is the payload of every "-err" and "request-failed" response.
type ErrPayload struct {
	Message string `json:"message"`
}

// Ack builds the success response for a command.
func Ack(cmdType, reqID string, payload any) *Response {
	return &Response{Type: cmdType + "-ack", ReqID: reqID, Payload: payload}
}

// Err builds the business-error response for a command. No state was
// mutated when one of these is returned.
func Err(cmdType, reqID, message string) *Response {
	return &Response{Type: cmdType + "-err", ReqID: reqID, Payload: ErrPayload{Message: message}}
}

// Failed builds the response for a command that could not be decoded at
// all. Published only when the raw entry still carried a request id.
func Failed(reqID string) *Response {
	return &Response{Type: "request-failed", ReqID: reqID, Payload: ErrPayload{Message: "Request failed"}}
}

// Ack payload shapes. Field names match what the gateway's response loop
// already decodes.

// AuthAck acknowledges a user-signup / user-signin command.
type AuthAck struct {
	Message string `json:"message"`
}

// OpenAck acknowledges a trade-open command.
type OpenAck struct {
	Message string         `json:"message"`
	OrderID string         `json:"orderId"`
	Order   model.Position `json:"order"`
}

// CloseAck acknowledges a trade-close command.
type CloseAck struct {
	Message string        `json:"message"`
	OrderID string        `json:"orderId"`
	UserBal model.Balance `json:"userBal"`
}

// UserBalAck carries the user's free balance.
type UserBalAck struct {
	UserBal model.Balance `json:"userBal"`
}

// AssetBalAck carries per-asset margin exposure.
type AssetBalAck struct {
	AssetBal map[string]model.Balance `json:"assetBal"`
}

// OpenTradesAck carries the user's open positions.
type OpenTradesAck struct {
	Trades []model.Position `json:"trades"`
}
