// Package protocol holds the REST response envelope and the wire error codes shared by the
// REST API and the playback stream.
package protocol

import "time"

// Response is the envelope of every REST answer. Code is OK or one of the E_* codes; a
// non-OK answer may still carry Data (a neutral payload for E_DATA_UNAVAILABLE).
type Response struct {
	Code      string `json:"code"`
	Msg       string `json:"msg"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func NewResponse() Response {
	return Response{Code: OK, Msg: "success", Timestamp: time.Now().Unix()}
}

// Fail sets code and msg.
func (r *Response) Fail(code, msg string) {
	r.Code, r.Msg = code, msg
}
