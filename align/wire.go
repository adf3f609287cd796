package align

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/ermine-db/ermine/digest"
	"github.com/ermine-db/ermine/encoding"
	"github.com/ermine-db/ermine/hlc"
)

// Kind discriminates alignment wire messages.
type Kind uint8

const (
	// KindRootAdvert carries the sender's digest root; the reply is a
	// KindRootReply with the receiver's root.
	KindRootAdvert Kind = iota + 1
	KindRootReply
	// KindEraSummaryRequest asks for all era fingerprints; the reply is a
	// KindEraSummary.
	KindEraSummaryRequest
	KindEraSummary
	// KindEraContentRequest asks for the full content of specific eras;
	// the reply is a KindEraContent with a compressed payload.
	KindEraContentRequest
	KindEraContent
)

func (k Kind) String() string {
	switch k {
	case KindRootAdvert:
		return "root_advert"
	case KindRootReply:
		return "root_reply"
	case KindEraSummaryRequest:
		return "era_summary_request"
	case KindEraSummary:
		return "era_summary"
	case KindEraContentRequest:
		return "era_content_request"
	case KindEraContent:
		return "era_content"
	}
	return "unknown"
}

// Message is the single alignment wire frame. Only the fields relevant to
// its Kind are populated. Era content travels zstd-compressed in Content
// because full eras dominate alignment bandwidth.
type Message struct {
	Kind    Kind                    `msgpack:"k"`
	Root    uint64                  `msgpack:"r,omitempty"`
	Eras    []digest.EraFingerprint `msgpack:"e,omitempty"`
	EraIDs  []digest.EraID          `msgpack:"i,omitempty"`
	Content []byte                  `msgpack:"c,omitempty"`
}

// WireEntry is one storage entry exchanged during era content transfer.
type WireEntry struct {
	Key       string        `msgpack:"k"`
	Value     []byte        `msgpack:"v"`
	Timestamp hlc.Timestamp `msgpack:"t"`
	Tombstone bool          `msgpack:"d"`
}

// EraContent is the full content of one era.
type EraContent struct {
	Era     digest.EraID `msgpack:"i"`
	Entries []WireEntry  `msgpack:"e"`
}

// EncodeMessage serializes a message for transport.
func EncodeMessage(m Message) ([]byte, error) {
	data, err := encoding.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.Kind, err)
	}
	return data, nil
}

// DecodeMessage deserializes a transport frame.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := encoding.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode alignment message: %w", err)
	}
	if m.Kind == 0 {
		return Message{}, fmt.Errorf("alignment message missing kind")
	}
	return m, nil
}

// Shared stateless codecs. EncodeAll/DecodeAll with concurrency 0 are safe
// for concurrent use.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// EncodeContent serializes and compresses era content for a KindEraContent
// message.
func EncodeContent(eras []EraContent) ([]byte, error) {
	raw, err := encoding.Marshal(eras)
	if err != nil {
		return nil, fmt.Errorf("failed to encode era content: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// DecodeContent reverses EncodeContent.
func DecodeContent(data []byte) ([]EraContent, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress era content: %w", err)
	}
	var eras []EraContent
	if err := encoding.Unmarshal(raw, &eras); err != nil {
		return nil, fmt.Errorf("failed to decode era content: %w", err)
	}
	return eras, nil
}
