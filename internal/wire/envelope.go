// Package wire implements the consensus message envelope: epoch, view,
// and block numbers as varints, a length-prefixed sender identity, a
// varint microsecond timestamp, a tagged oneof payload, and a
// length-prefixed signature (spec.md §6 "Wire format").
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ruvnet/issordering/internal/consensus"
)

// tag identifies which oneof variant follows in the payload.
type tag byte

const (
	tagPrePrepare tag = 1 + iota
	tagPrepare
	tagCommit
	tagViewChange
	tagNewView
)

func tagFor(kind consensus.MessageKind) (tag, error) {
	switch kind {
	case consensus.KindPrePrepare:
		return tagPrePrepare, nil
	case consensus.KindPrepare:
		return tagPrepare, nil
	case consensus.KindCommit:
		return tagCommit, nil
	case consensus.KindViewChange:
		return tagViewChange, nil
	case consensus.KindNewView:
		return tagNewView, nil
	default:
		return 0, fmt.Errorf("wire: unknown message kind %v", kind)
	}
}

func kindFor(t tag) (consensus.MessageKind, error) {
	switch t {
	case tagPrePrepare:
		return consensus.KindPrePrepare, nil
	case tagPrepare:
		return consensus.KindPrepare, nil
	case tagCommit:
		return consensus.KindCommit, nil
	case tagViewChange:
		return consensus.KindViewChange, nil
	case tagNewView:
		return consensus.KindNewView, nil
	default:
		return 0, fmt.Errorf("wire: empty or unknown tag %d", t)
	}
}

// Encode serializes msg into the bit-exact envelope. Round-tripping through
// Decode reproduces msg (spec.md §8 "Round-trip laws").
func Encode(msg *consensus.PBFTMessage) ([]byte, error) {
	t, err := tagFor(msg.Kind)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	putUvarint(&buf, uint64(msg.Metadata.Epoch))
	putUvarint(&buf, uint64(msg.View))
	putUvarint(&buf, uint64(msg.Metadata.Block))
	putLengthPrefixed(&buf, []byte(msg.Sender))
	putUvarint(&buf, uint64(msg.Timestamp.UTC().UnixMicro()))

	buf.WriteByte(byte(t))
	if err := encodePayload(&buf, t, msg); err != nil {
		return nil, err
	}
	putLengthPrefixed(&buf, msg.Signature)
	return buf.Bytes(), nil
}

func encodePayload(buf *bytes.Buffer, t tag, msg *consensus.PBFTMessage) error {
	switch t {
	case tagPrePrepare:
		putLengthPrefixed(buf, []byte(msg.Digest))
		putLengthPrefixed(buf, msg.Payload)
	case tagPrepare, tagCommit:
		putLengthPrefixed(buf, []byte(msg.Digest))
	case tagViewChange:
		encodePreparedCert(buf, msg.Prepared)
	case tagNewView:
		putUvarint(buf, uint64(len(msg.ViewChangeSet)))
		for _, vc := range msg.ViewChangeSet {
			encodeNested(buf, vc)
		}
		hasPP := msg.NewPrePrepare != nil
		if hasPP {
			buf.WriteByte(1)
			encodeNested(buf, msg.NewPrePrepare)
		} else {
			buf.WriteByte(0)
		}
	}
	return nil
}

func encodePreparedCert(buf *bytes.Buffer, cert *consensus.PreparedCertificate) {
	if cert == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	encodeNested(buf, cert.PrePrepare)
	putUvarint(buf, uint64(len(cert.Prepares)))
	for _, p := range cert.Prepares {
		encodeNested(buf, p)
	}
}

// encodeNested inlines a full sub-message (used for view-change and
// new-view justification payloads) by recursively calling Encode and
// length-prefixing the result.
func encodeNested(buf *bytes.Buffer, msg *consensus.PBFTMessage) {
	raw, err := Encode(msg)
	if err != nil {
		// nested messages are always well-formed: constructed in-process,
		// never parsed from an untrusted envelope at this point.
		panic(fmt.Sprintf("wire: encode nested message: %v", err))
	}
	putLengthPrefixed(buf, raw)
}

// Decode parses bytes into a PBFTMessage. An empty tag is a parse error
// (spec.md §6).
func Decode(data []byte) (*consensus.PBFTMessage, error) {
	r := bytes.NewReader(data)
	epoch, err := getUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("wire: decode epoch: %w", err)
	}
	view, err := getUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("wire: decode view: %w", err)
	}
	block, err := getUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("wire: decode block: %w", err)
	}
	sender, err := getLengthPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("wire: decode sender: %w", err)
	}
	tsMicros, err := getUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("wire: decode timestamp: %w", err)
	}
	tByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("wire: decode tag: %w", err)
	}
	kind, err := kindFor(tag(tByte))
	if err != nil {
		return nil, err
	}

	msg := &consensus.PBFTMessage{
		Kind:      kind,
		Metadata:  consensus.BlockMetadata{Epoch: consensus.EpochNr(epoch), Block: consensus.BlockNr(block)},
		View:      consensus.ViewNr(view),
		Timestamp: time.UnixMicro(int64(tsMicros)).UTC(),
		Sender:    consensus.PeerID(sender),
	}
	if err := decodePayload(r, tag(tByte), msg); err != nil {
		return nil, err
	}
	sig, err := getLengthPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("wire: decode signature: %w", err)
	}
	msg.Signature = sig
	return msg, nil
}

func decodePayload(r *bytes.Reader, t tag, msg *consensus.PBFTMessage) error {
	switch t {
	case tagPrePrepare:
		digest, err := getLengthPrefixed(r)
		if err != nil {
			return fmt.Errorf("wire: decode digest: %w", err)
		}
		payload, err := getLengthPrefixed(r)
		if err != nil {
			return fmt.Errorf("wire: decode payload: %w", err)
		}
		msg.Digest = string(digest)
		msg.Payload = payload
	case tagPrepare, tagCommit:
		digest, err := getLengthPrefixed(r)
		if err != nil {
			return fmt.Errorf("wire: decode digest: %w", err)
		}
		msg.Digest = string(digest)
	case tagViewChange:
		cert, err := decodePreparedCert(r)
		if err != nil {
			return err
		}
		msg.Prepared = cert
	case tagNewView:
		n, err := getUvarint(r)
		if err != nil {
			return fmt.Errorf("wire: decode view-change count: %w", err)
		}
		for i := uint64(0); i < n; i++ {
			nested, err := decodeNested(r)
			if err != nil {
				return err
			}
			msg.ViewChangeSet = append(msg.ViewChangeSet, nested)
		}
		hasPP, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("wire: decode has-pre-prepare flag: %w", err)
		}
		if hasPP == 1 {
			nested, err := decodeNested(r)
			if err != nil {
				return err
			}
			msg.NewPrePrepare = nested
		}
	}
	return nil
}

func decodePreparedCert(r *bytes.Reader) (*consensus.PreparedCertificate, error) {
	has, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("wire: decode prepared-cert flag: %w", err)
	}
	if has == 0 {
		return nil, nil
	}
	pp, err := decodeNested(r)
	if err != nil {
		return nil, err
	}
	n, err := getUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("wire: decode prepares count: %w", err)
	}
	cert := &consensus.PreparedCertificate{PrePrepare: pp}
	for i := uint64(0); i < n; i++ {
		p, err := decodeNested(r)
		if err != nil {
			return nil, err
		}
		cert.Prepares = append(cert.Prepares, p)
	}
	return cert, nil
}

func decodeNested(r *bytes.Reader) (*consensus.PBFTMessage, error) {
	raw, err := getLengthPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("wire: decode nested message: %w", err)
	}
	return Decode(raw)
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func getUvarint(r *bytes.Reader) (uint64, error) {
	return binary.ReadUvarint(r)
}

func putLengthPrefixed(buf *bytes.Buffer, data []byte) {
	putUvarint(buf, uint64(len(data)))
	buf.Write(data)
}

func getLengthPrefixed(r *bytes.Reader) ([]byte, error) {
	n, err := getUvarint(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if n == 0 {
		return out, nil
	}
	if _, err := r.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}
