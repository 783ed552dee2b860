package rpc

import "encoding/json"

// EnvelopeKind distinguishes the three shapes a framed message can take.
type EnvelopeKind string

const (
	KindRequest  EnvelopeKind = "request"
	KindResponse EnvelopeKind = "response"
)

// Envelope is the wire shape of every framed message on a substream.
// Unlike the teacher's pb.Message (a protobuf oneof over typed
// payloads), Params/Result/Error are raw JSON, matching the original
// protocol's Response::Sign(json)/Response::Data(json,json) shape.
type Envelope struct {
	Kind      EnvelopeKind    `json:"kind"`
	RequestID uint64          `json:"requestId"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func encodeEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(raw, &e)
	return e, err
}
