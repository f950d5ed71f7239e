package ws

import (
	"encoding/json"
	"errors"
)

// Frame is the JSON envelope of every websocket text message. A request that
// carries an ID is answered with a frame echoing that ID.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var ErrMalformedFrame = errors.New("ws: malformed frame")

func Encode(event, id string, payload interface{}) ([]byte, error) {
	f := Frame{Event: event, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Data = data
	}
	return json.Marshal(f)
}

func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
		return nil, ErrMalformedFrame
	}
	return &f, nil
}

// Bind decodes the frame payload into v. An absent payload leaves v untouched.
func (f *Frame) Bind(v interface{}) error {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return nil
	}
	return json.Unmarshal(f.Data, v)
}
