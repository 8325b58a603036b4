package wire

import (
	"bytes"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash returns the BLAKE3-256 content hash used in payload descriptors.
func Hash(p []byte) []byte {
	sum := blake3.Sum256(p)
	return sum[:]
}

// Attachments accumulates payloads for one envelope. Blobs at or below
// the inline limit are embedded in their descriptor; larger ones are
// appended to the out-of-band list and referenced by index.
type Attachments struct {
	inlineMax int
	descs     []PayloadDescriptor
	blobs     [][]byte
}

// NewAttachments returns an empty set. inlineMax < 0 forces every blob out
// of band.
func NewAttachments(inlineMax int) *Attachments {
	return &Attachments{inlineMax: inlineMax}
}

// Attach returns the descriptor a sub-structure should carry for p.
func (a *Attachments) Attach(p []byte) *PayloadDescriptor {
	size := int64(len(p))
	hash := Hash(p)
	if a.inlineMax >= 0 && len(p) <= a.inlineMax {
		data := p
		if data == nil {
			data = []byte{}
		}
		return &PayloadDescriptor{Size: &size, Hash: hash, Inline: Ptr(true), Data: data}
	}
	idx := int32(len(a.descs))
	a.descs = append(a.descs, PayloadDescriptor{Size: Ptr(size), Hash: hash, Inline: Ptr(false), Index: Ptr(idx)})
	a.blobs = append(a.blobs, p)
	return &PayloadDescriptor{Size: &size, Hash: hash, Inline: Ptr(false), Index: Ptr(idx)}
}

// Payloads returns the out-of-band descriptors, or nil when there are none.
func (a *Attachments) Payloads() []PayloadDescriptor { return a.descs }

// Blobs returns the out-of-band bytes aligned with Payloads.
func (a *Attachments) Blobs() [][]byte { return a.blobs }

// ResolvePayload returns the bytes d describes and checks them against the
// descriptor's size and hash.
func ResolvePayload(d *PayloadDescriptor, blobs [][]byte) ([]byte, error) {
	if d == nil || d.Size == nil || d.Inline == nil {
		return nil, invalid("PayloadDescriptor", "", "incomplete")
	}
	var p []byte
	if *d.Inline {
		p = d.Data
	} else {
		if d.Index == nil || int(*d.Index) >= len(blobs) || *d.Index < 0 {
			return nil, invalid("PayloadDescriptor", "index", "no such out-of-band payload")
		}
		p = blobs[*d.Index]
	}
	if int64(len(p)) != *d.Size {
		return nil, invalid("PayloadDescriptor", "size", fmt.Sprintf("have %d bytes, want %d", len(p), *d.Size))
	}
	if d.Hash != nil && !bytes.Equal(Hash(p), d.Hash) {
		return nil, ErrHashMismatch
	}
	return p, nil
}

// NewFetch builds a FETCH envelope.
func NewFetch(key CacheKey, headOnly bool) *Request {
	fr := &FetchRequest{Key: Ptr(key)}
	if headOnly {
		fr.HeadOnly = Ptr(true)
	}
	return &Request{Type: Ptr(TypeFetch), FetchRequest: fr}
}

// NewMultiFetch builds a MULTI_FETCH envelope. keys is copied.
func NewMultiFetch(keys []CacheKey) *Request {
	ks := make([]CacheKey, len(keys))
	copy(ks, keys)
	return &Request{Type: Ptr(TypeMultiFetch), MultiFetchRequest: &MultiFetchRequest{Keys: ks}}
}

// NewStore builds a STORE envelope. payload travels inline when it is at
// most inlineMax bytes, out of band otherwise.
func NewStore(key CacheKey, meta *ArtifactMetadata, payload []byte, inlineMax int) *Request {
	att := NewAttachments(inlineMax)
	desc := att.Attach(payload)
	return &Request{
		Type:         Ptr(TypeStore),
		Payloads:     att.Payloads(),
		StoreRequest: &StoreRequest{Key: Ptr(key), Metadata: meta, Payload: desc},
		Blobs:        att.Blobs(),
	}
}

// HitResult, MissResult and ErrorResult build per-key outcomes.
func HitResult(meta *ArtifactMetadata, payload *PayloadDescriptor) FetchResponse {
	return FetchResponse{Code: Ptr(CodeHit), Metadata: meta, Payload: payload}
}

func MissResult() FetchResponse { return FetchResponse{Code: Ptr(CodeMiss)} }

func ErrorResult(msg string) FetchResponse {
	return FetchResponse{Code: Ptr(CodeError), ErrorMessage: Ptr(msg)}
}

// ErrorResponse reports a failure of the whole call.
func ErrorResponse(typ RequestType, msg string) *Response {
	r := &Response{ErrorMessage: Ptr(msg)}
	if typ != TypeUnknown {
		r.Type = Ptr(typ)
	}
	return r
}
