package server

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/tickhub/internal/apperr"
)

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)

// clientReq is a command frame sent by a client.
type clientReq struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

// errorResp is the error frame sent to a client.
type errorResp struct {
	Type     string `json:"type"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	ClientID string `json:"clientId"`
}

func errorFrame(err error, clientID string) []byte {
	frame, mErr := jsoniter.Marshal(errorResp{
		Type:     "error",
		Code:     apperr.Code(err),
		Message:  err.Error(),
		ClientID: clientID,
	})
	if mErr != nil {
		return []byte(`{"type":"error","code":1000}`)
	}
	return frame
}

// parseReq decodes a client command. Anything malformed is a subscription error.
func parseReq(payload []byte) (clientReq, error) {
	var req clientReq
	if err := jsoniter.Unmarshal(payload, &req); err != nil {
		return req, &apperr.SubscriptionError{Reason: "invalid JSON"}
	}
	switch req.Type {
	case actionSubscribe, actionUnsubscribe:
	default:
		return req, &apperr.SubscriptionError{Reason: "unknown command type " + req.Type}
	}
	if req.Symbol == "" {
		return req, &apperr.SubscriptionError{Reason: "symbol is required"}
	}
	return req, nil
}
