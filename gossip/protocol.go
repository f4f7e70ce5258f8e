package gossip

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"
)

type messageType uint8

const (
	messageTypePush messageType = iota + 1
	messageTypePullRequest
	messageTypePullResponse
	messageTypePrune
	messageTypePing
	messageTypePong
)

func (t messageType) String() string {
	switch t {
	case messageTypePush:
		return "push"
	case messageTypePullRequest:
		return "pull-request"
	case messageTypePullResponse:
		return "pull-response"
	case messageTypePrune:
		return "prune"
	case messageTypePing:
		return "ping"
	case messageTypePong:
		return "pong"
	default:
		return "unknown"
	}
}

const (
	supportedVersion uint8 = 0
)

// sender identifies and attributes the node sending a message. Every
// message carries the sender's identity and compatibility tag.
type sender struct {
	NodeID         NodeID `codec:"node_id"`
	Addr           string `codec:"addr"`
	ClusterVersion uint16 `codec:"cluster_version"`
}

type pushHeader struct {
	Sender sender `codec:"sender"`
	// Items is the number of items the sender attempted to include. The
	// encoded packet may carry fewer if trimmed to the packet size limit.
	Items int `codec:"items"`
}

type pullRequestHeader struct {
	Sender sender `codec:"sender"`
	// FollowUp marks a request sent in response to a pull response, so the
	// responder knows not to trigger further exchanges this round.
	FollowUp bool `codec:"follow_up"`
}

type pullResponseHeader struct {
	Sender sender `codec:"sender"`
	// Digest is the number of digest entries the sender attempted to
	// include before the items.
	Digest int `codec:"digest"`
}

type pruneHeader struct {
	Sender sender `codec:"sender"`
	// Origin is the identity whose items the receiver should stop pushing
	// to the sender.
	Origin NodeID `codec:"origin"`
}

type pingHeader struct {
	Sender sender `codec:"sender"`
	Token  string `codec:"token"`
}

type encoder struct {
	encoder *codec.Encoder
}

func newEncoder(writer io.Writer) *encoder {
	var handle codec.MsgpackHandle
	return &encoder{
		encoder: codec.NewEncoder(writer, &handle),
	}
}

func (e *encoder) Encode(v interface{}) error {
	return e.encoder.Encode(v)
}

type decoder struct {
	decoder *codec.Decoder
}

func newDecoder(reader io.Reader) *decoder {
	var handle codec.MsgpackHandle
	return &decoder{
		decoder: codec.NewDecoder(reader, &handle),
	}
}

func (d *decoder) Decode(v interface{}) error {
	return d.decoder.Decode(v)
}

// frame writes the fixed [type, version] prefix and the header, returning
// the buffer and encoder to append entries to.
func frame(t messageType, header interface{}, maxPacketSize int) (*bytes.Buffer, *encoder, error) {
	var buf bytes.Buffer
	_ = buf.WriteByte(uint8(t))
	_ = buf.WriteByte(supportedVersion)

	enc := newEncoder(&buf)
	if err := enc.Encode(header); err != nil {
		return nil, nil, fmt.Errorf("encode: %w", err)
	}

	if buf.Len() > maxPacketSize {
		return nil, nil, fmt.Errorf(
			"max packet size too small for header: %d < %d",
			maxPacketSize, buf.Len(),
		)
	}
	return &buf, enc, nil
}

// checkFrame verifies the packet's type and protocol version prefix and
// returns a decoder over the remaining bytes.
func checkFrame(b []byte, expected messageType) (*decoder, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("packet too small: %d", len(b))
	}
	t := messageType(b[0])
	if t != expected {
		return nil, fmt.Errorf("incorrect message type: %s", t)
	}
	if b[1] != supportedVersion {
		return nil, fmt.Errorf("unsupported version: %d", b[1])
	}
	return newDecoder(bytes.NewBuffer(b[2:])), nil
}

// encodePush encodes a push message, appending items until the packet size
// limit is reached. Returns the packet and the number of items included.
func encodePush(s sender, items []Item, maxPacketSize int) ([]byte, int, error) {
	buf, enc, err := frame(messageTypePush, &pushHeader{
		Sender: s,
		Items:  len(items),
	}, maxPacketSize)
	if err != nil {
		return nil, 0, err
	}

	// Keep appending until we exceed the packet size limit. bufLen is the
	// number of bytes to send, which may be less than buf.Len() if the last
	// entry exceeded the limit.
	bufLen := buf.Len()
	sent := 0
	for i := range items {
		if err := enc.Encode(&items[i]); err != nil {
			return nil, 0, fmt.Errorf("encode: %w", err)
		}
		if buf.Len() > maxPacketSize {
			break
		}
		bufLen = buf.Len()
		sent++
	}

	return buf.Bytes()[:bufLen], sent, nil
}

func decodePush(b []byte) (pushHeader, []Item, error) {
	dec, err := checkFrame(b, messageTypePush)
	if err != nil {
		return pushHeader{}, nil, err
	}

	var header pushHeader
	if err := dec.Decode(&header); err != nil {
		return pushHeader{}, nil, fmt.Errorf("decode: %w", err)
	}

	var items []Item
	for {
		var item Item
		if err := dec.Decode(&item); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return pushHeader{}, nil, fmt.Errorf("decode: %w", err)
		}
		items = append(items, item)
	}
	return header, items, nil
}

func encodePullRequest(
	s sender,
	followUp bool,
	digest []DigestEntry,
	maxPacketSize int,
) ([]byte, int, error) {
	buf, enc, err := frame(messageTypePullRequest, &pullRequestHeader{
		Sender:   s,
		FollowUp: followUp,
	}, maxPacketSize)
	if err != nil {
		return nil, 0, err
	}

	bufLen := buf.Len()
	sent := 0
	for i := range digest {
		if err := enc.Encode(&digest[i]); err != nil {
			return nil, 0, fmt.Errorf("encode: %w", err)
		}
		if buf.Len() > maxPacketSize {
			break
		}
		bufLen = buf.Len()
		sent++
	}

	return buf.Bytes()[:bufLen], sent, nil
}

func decodePullRequest(b []byte) (pullRequestHeader, []DigestEntry, error) {
	dec, err := checkFrame(b, messageTypePullRequest)
	if err != nil {
		return pullRequestHeader{}, nil, err
	}

	var header pullRequestHeader
	if err := dec.Decode(&header); err != nil {
		return pullRequestHeader{}, nil, fmt.Errorf("decode: %w", err)
	}

	var digest []DigestEntry
	for {
		var entry DigestEntry
		if err := dec.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return pullRequestHeader{}, nil, fmt.Errorf("decode: %w", err)
		}
		digest = append(digest, entry)
	}
	return header, digest, nil
}

// encodePullResponse encodes the responder's digest followed by the offered
// items. Both are trimmed to the packet size limit, where the digest takes
// priority; since trimming only removes a suffix the decoder can always
// tell digest entries and items apart.
func encodePullResponse(
	s sender,
	digest []DigestEntry,
	items []Item,
	maxPacketSize int,
) ([]byte, error) {
	buf, enc, err := frame(messageTypePullResponse, &pullResponseHeader{
		Sender: s,
		Digest: len(digest),
	}, maxPacketSize)
	if err != nil {
		return nil, err
	}

	bufLen := buf.Len()
	digestSent := 0
	for i := range digest {
		if err := enc.Encode(&digest[i]); err != nil {
			return nil, fmt.Errorf("encode: %w", err)
		}
		if buf.Len() > maxPacketSize {
			return buf.Bytes()[:bufLen], nil
		}
		bufLen = buf.Len()
		digestSent++
	}

	for i := range items {
		if err := enc.Encode(&items[i]); err != nil {
			return nil, fmt.Errorf("encode: %w", err)
		}
		if buf.Len() > maxPacketSize {
			break
		}
		bufLen = buf.Len()
	}

	return buf.Bytes()[:bufLen], nil
}

func decodePullResponse(b []byte) (pullResponseHeader, []DigestEntry, []Item, error) {
	dec, err := checkFrame(b, messageTypePullResponse)
	if err != nil {
		return pullResponseHeader{}, nil, nil, err
	}

	var header pullResponseHeader
	if err := dec.Decode(&header); err != nil {
		return pullResponseHeader{}, nil, nil, fmt.Errorf("decode: %w", err)
	}

	var digest []DigestEntry
	for i := 0; i != header.Digest; i++ {
		var entry DigestEntry
		if err := dec.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				return header, digest, nil, nil
			}
			return pullResponseHeader{}, nil, nil, fmt.Errorf("decode: %w", err)
		}
		digest = append(digest, entry)
	}

	var items []Item
	for {
		var item Item
		if err := dec.Decode(&item); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return pullResponseHeader{}, nil, nil, fmt.Errorf("decode: %w", err)
		}
		items = append(items, item)
	}
	return header, digest, items, nil
}

func encodePrune(s sender, origin NodeID, maxPacketSize int) ([]byte, error) {
	buf, _, err := frame(messageTypePrune, &pruneHeader{
		Sender: s,
		Origin: origin,
	}, maxPacketSize)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodePrune(b []byte) (pruneHeader, error) {
	dec, err := checkFrame(b, messageTypePrune)
	if err != nil {
		return pruneHeader{}, err
	}

	var header pruneHeader
	if err := dec.Decode(&header); err != nil {
		return pruneHeader{}, fmt.Errorf("decode: %w", err)
	}
	return header, nil
}

func encodePing(t messageType, s sender, token string, maxPacketSize int) ([]byte, error) {
	buf, _, err := frame(t, &pingHeader{
		Sender: s,
		Token:  token,
	}, maxPacketSize)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodePing(b []byte, t messageType) (pingHeader, error) {
	dec, err := checkFrame(b, t)
	if err != nil {
		return pingHeader{}, err
	}

	var header pingHeader
	if err := dec.Decode(&header); err != nil {
		return pingHeader{}, fmt.Errorf("decode: %w", err)
	}
	return header, nil
}
