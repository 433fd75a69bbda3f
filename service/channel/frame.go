package channel

import (
	"encoding/json"
	"fmt"
	"time"

	"marketsync/tools/ids"
)

// Frame is the unit exchanged with the push gateway, in both directions.
//
//	{"event": "order-updated", "data": {...}, "id": "7481...", "ts": 1714557600000, "from": "u1"}
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	ID    string `json:"id,omitempty"`
	TS    int64  `json:"ts,omitempty"`
	From  string `json:"from,omitempty"`
}

func NewFrame(event string, data any, from string) Frame {
	return Frame{
		Event: event,
		Data:  data,
		ID:    ids.GenerateString(),
		TS:    time.Now().UnixMilli(),
		From:  from,
	}
}

func EncodeFrame(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame %s: %w", f.Event, err)
	}
	return b, nil
}

func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("decode frame: missing event")
	}
	return f, nil
}

// sample trims a raw payload for logging.
func sample(raw []byte) string {
	if len(raw) > 256 {
		raw = raw[:256]
	}
	return string(raw)
}
