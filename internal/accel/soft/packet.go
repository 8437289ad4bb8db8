package soft

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Packet is one encoded picture in the output stream
type Packet struct {
	Session    string `msgpack:"session"`
	FrameOrder uint64 `msgpack:"order"`
	Keyframe   bool   `msgpack:"key"`
	Width      int    `msgpack:"w"`
	Height     int    `msgpack:"h"`
	Payload    []byte `msgpack:"payload"`
}

func marshalPacket(p *Packet) ([]byte, error) {
	return msgpack.Marshal(p)
}

// DecodePackets reads a whole output stream, decompressing each payload
// back to NV12.
func DecodePackets(r io.Reader) ([]Packet, error) {
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer zdec.Close()

	dec := msgpack.NewDecoder(r)

	var packets []Packet
	for {
		var p Packet
		if err := dec.Decode(&p); err != nil {
			if errors.Is(err, io.EOF) {
				return packets, nil
			}
			return packets, fmt.Errorf("packet %d: %w", len(packets), err)
		}

		p.Payload, err = zdec.DecodeAll(p.Payload, nil)
		if err != nil {
			return packets, fmt.Errorf("packet %d payload: %w", len(packets), err)
		}
		packets = append(packets, p)
	}
}
