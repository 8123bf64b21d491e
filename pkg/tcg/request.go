package tcg

import (
	"bytes"
	"errors"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

const (
	// DefaultMimeType is the serializer advertised to Gremlin Server.
	DefaultMimeType = "application/vnd.gremlin-v3.0+json"

	OpEval           = "eval"
	OpBytecode       = "bytecode"
	OpAuthentication = "authentication"

	ArgGremlin  = "gremlin"
	ArgBindings = "bindings"
	ArgLanguage = "language"
	ArgAliases  = "aliases"

	defaultLanguage = "gremlin-groovy"
)

// RequestMessage is a Gremlin Server request envelope. The pool treats it as opaque; only the
// websocket transport serializes it.
type RequestMessage struct {
	RequestID uuid.UUID              `json:"requestId"`
	Op        string                 `json:"op"`
	Processor string                 `json:"processor"`
	Args      map[string]interface{} `json:"args"`
}

// NewRequestMessage creates a request with a random request id.
func NewRequestMessage(op, processor string, args map[string]interface{}) *RequestMessage {

	if args == nil {
		args = make(map[string]interface{})
	}

	return &RequestMessage{
		RequestID: uuid.New(),
		Op:        op,
		Processor: processor,
		Args:      args,
	}
}

// NewEvalRequest creates a script evaluation request.
func NewEvalRequest(gremlin string, bindings map[string]interface{}) *RequestMessage {

	args := map[string]interface{}{
		ArgGremlin:  gremlin,
		ArgLanguage: defaultLanguage,
	}

	if len(bindings) > 0 {
		args[ArgBindings] = bindings
	}

	return NewRequestMessage(OpEval, "", args)
}

// WithArg returns a copy of the request with one argument set. The receiver is not modified.
func (rm *RequestMessage) WithArg(key string, value interface{}) *RequestMessage {

	args := make(map[string]interface{}, len(rm.Args)+1)
	for k, v := range rm.Args {
		args[k] = v
	}
	args[key] = value

	return &RequestMessage{
		RequestID: rm.RequestID,
		Op:        rm.Op,
		Processor: rm.Processor,
		Args:      args,
	}
}

// Serialize frames the request the way Gremlin Server expects binary websocket frames:
// one byte of mime type length, the mime type, then the JSON body.
func (rm *RequestMessage) Serialize(mimeType string) ([]byte, error) {

	if mimeType == "" {
		mimeType = DefaultMimeType
	}

	if len(mimeType) > 255 {
		return nil, errors.New("mime type can't be longer than 255 bytes")
	}

	var json = jsoniter.ConfigFastest
	body, err := json.Marshal(rm)
	if err != nil {
		return nil, err
	}

	buffer := &bytes.Buffer{}
	buffer.Grow(1 + len(mimeType) + len(body))
	buffer.WriteByte(byte(len(mimeType)))
	buffer.WriteString(mimeType)
	buffer.Write(body)

	return buffer.Bytes(), nil
}
