package wire

import "fmt"

// CacheKey is a content-derived build key. It is an opaque, immutable byte
// sequence; equality and ordering are byte-wise.
type CacheKey string

// Bytes returns a copy of the key bytes.
func (k CacheKey) Bytes() []byte { return []byte(k) }

// String renders the key as hex so binary keys stay printable in logs.
func (k CacheKey) String() string { return fmt.Sprintf("%x", string(k)) }

// Encoding selects one of the two interchangeable wire forms.
// It is negotiated once per session, never per message.
type Encoding uint8

const (
	EncodingTagged  Encoding = 1 // self-describing, field-tagged
	EncodingCompact Encoding = 2 // bitset-prefixed tuple
)

func (e Encoding) String() string {
	switch e {
	case EncodingTagged:
		return "tagged"
	case EncodingCompact:
		return "compact"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(e))
	}
}

// ParseEncoding parses "tagged" or "compact".
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "tagged":
		return EncodingTagged, nil
	case "compact":
		return EncodingCompact, nil
	default:
		return 0, fmt.Errorf("wire: unknown encoding %q", s)
	}
}

// Valid reports whether e is a known encoding.
func (e Encoding) Valid() bool { return e == EncodingTagged || e == EncodingCompact }

// RequestType discriminates the envelope union.
type RequestType int32

const (
	TypeUnknown    RequestType = 0
	TypeFetch      RequestType = 100
	TypeStore      RequestType = 101
	TypeMultiFetch RequestType = 102
)

func (t RequestType) String() string {
	switch t {
	case TypeUnknown:
		return "UNKNOWN"
	case TypeFetch:
		return "FETCH"
	case TypeStore:
		return "STORE"
	case TypeMultiFetch:
		return "MULTI_FETCH"
	default:
		return fmt.Sprintf("RequestType(%d)", int32(t))
	}
}

// ResultCode is the per-key fetch outcome on the wire.
type ResultCode int32

const (
	CodeUnknown ResultCode = 0
	CodeHit     ResultCode = 1
	CodeMiss    ResultCode = 2
	CodeError   ResultCode = 3
)

func (c ResultCode) String() string {
	switch c {
	case CodeHit:
		return "HIT"
	case CodeMiss:
		return "MISS"
	case CodeError:
		return "ERROR"
	default:
		return fmt.Sprintf("ResultCode(%d)", int32(c))
	}
}

// Every field below is optional. Scalars are pointers and slices/maps use
// nil for "absent", so absence survives a round trip distinct from a
// present zero value.

// PayloadDescriptor describes one artifact blob. Inline blobs carry Data;
// out-of-band blobs carry Index into the envelope's Payloads list and their
// bytes travel after the structured part of the frame.
type PayloadDescriptor struct {
	Size   *int64
	Hash   []byte
	Inline *bool
	Index  *int32
	Data   []byte
}

// ArtifactMetadata is what a producer records alongside an artifact.
type ArtifactMetadata struct {
	RuleKeys    []string          `json:"ruleKeys,omitempty" cbor:"1,keyasint,omitempty" msgpack:"ruleKeys,omitempty"`
	BuildTarget *string           `json:"buildTarget,omitempty" cbor:"2,keyasint,omitempty" msgpack:"buildTarget,omitempty"`
	Repository  *string           `json:"repository,omitempty" cbor:"3,keyasint,omitempty" msgpack:"repository,omitempty"`
	ProducerID  *string           `json:"producerId,omitempty" cbor:"4,keyasint,omitempty" msgpack:"producerId,omitempty"`
	BuildTimeMs *int64            `json:"buildTimeMs,omitempty" cbor:"5,keyasint,omitempty" msgpack:"buildTimeMs,omitempty"`
	Entries     map[string]string `json:"entries,omitempty" cbor:"6,keyasint,omitempty" msgpack:"entries,omitempty"`
}

type FetchRequest struct {
	Key *CacheKey
	// HeadOnly asks for existence and metadata without payload bytes.
	HeadOnly *bool
}

type StoreRequest struct {
	Key      *CacheKey
	Metadata *ArtifactMetadata
	Payload  *PayloadDescriptor
}

type MultiFetchRequest struct {
	Keys []CacheKey
}

// Request is the request envelope. Exactly one of the sub-requests is set
// and it matches Type; anything else is malformed.
type Request struct {
	Type              *RequestType
	Payloads          []PayloadDescriptor
	FetchRequest      *FetchRequest
	StoreRequest      *StoreRequest
	MultiFetchRequest *MultiFetchRequest

	// Blobs holds out-of-band bytes, Blobs[i] described by Payloads[i].
	// They are not part of the structured encoding.
	Blobs [][]byte
}

// FetchResponse is the outcome for one key. MultiFetchResponse reuses it
// per position.
type FetchResponse struct {
	Code         *ResultCode
	Metadata     *ArtifactMetadata
	Payload      *PayloadDescriptor
	ErrorMessage *string
}

type StoreResponse struct {
	Accepted     *bool
	ErrorMessage *string
}

type MultiFetchResponse struct {
	Results []FetchResponse
}

// Response mirrors Request. ErrorMessage reports a failure of the whole call
// (e.g. the server could not decode the request); in that case no
// sub-response needs to be present.
type Response struct {
	Type               *RequestType
	Payloads           []PayloadDescriptor
	ErrorMessage       *string
	FetchResponse      *FetchResponse
	StoreResponse      *StoreResponse
	MultiFetchResponse *MultiFetchResponse

	Blobs [][]byte
}

// CellState is one cell's serialized incremental-parser state.
type CellState struct {
	SerializedState []byte
	BuildFiles      []string
}

// ParserStateSnapshot transfers a build daemon's incremental parse cache to
// or from a remote holder.
type ParserStateSnapshot struct {
	CachedIncludes          map[string][]string
	CellPathToDaemonicState map[string]CellState
	CellPaths               []string
}

// Ptr returns a pointer to v. It keeps optional-field literals short.
func Ptr[T any](v T) *T { return &v }
