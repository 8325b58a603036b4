package codec

import (
	"fmt"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/unkn0wn-root/buildcache/wire"
)

// Meta is the codec shape used for persisted artifact metadata.
type Meta = Codec[*wire.ArtifactMetadata]

// Metadata returns the metadata codec for k. Absent fields stay absent
// across every codec; empty lists and maps collapse to absent.
func Metadata(k Kind) (Meta, error) {
	switch k {
	case KindCBOR:
		c, err := NewCBOR[*wire.ArtifactMetadata](true, 16)
		if err != nil {
			return nil, err
		}
		return c, nil
	case KindMsgpack:
		return Msgpack[*wire.ArtifactMetadata]{}, nil
	case KindJSON:
		return JSON[*wire.ArtifactMetadata]{}, nil
	case KindProtobuf:
		return MetadataProto{inner: NewProtobuf(func() *structpb.Struct { return &structpb.Struct{} })}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %s", k)
	}
}

// MetadataProto stores metadata as a google.protobuf.Struct. BuildTimeMs is
// kept as a decimal string since Struct numbers are float64.
type MetadataProto struct {
	inner Protobuf[*structpb.Struct]
}

func (c MetadataProto) Encode(m *wire.ArtifactMetadata) ([]byte, error) {
	fields := map[string]*structpb.Value{}
	if m != nil {
		if len(m.RuleKeys) > 0 {
			vs := make([]*structpb.Value, len(m.RuleKeys))
			for i, k := range m.RuleKeys {
				vs[i] = structpb.NewStringValue(k)
			}
			fields["ruleKeys"] = structpb.NewListValue(&structpb.ListValue{Values: vs})
		}
		putString(fields, "buildTarget", m.BuildTarget)
		putString(fields, "repository", m.Repository)
		putString(fields, "producerId", m.ProducerID)
		if m.BuildTimeMs != nil {
			fields["buildTimeMs"] = structpb.NewStringValue(strconv.FormatInt(*m.BuildTimeMs, 10))
		}
		if len(m.Entries) > 0 {
			es := make(map[string]*structpb.Value, len(m.Entries))
			for k, v := range m.Entries {
				es[k] = structpb.NewStringValue(v)
			}
			fields["entries"] = structpb.NewStructValue(&structpb.Struct{Fields: es})
		}
	}
	return c.inner.Encode(&structpb.Struct{Fields: fields})
}

func (c MetadataProto) Decode(b []byte) (*wire.ArtifactMetadata, error) {
	s, err := c.inner.Decode(b)
	if err != nil {
		return nil, err
	}
	m := &wire.ArtifactMetadata{}
	for name, v := range s.GetFields() {
		switch name {
		case "ruleKeys":
			for _, e := range v.GetListValue().GetValues() {
				m.RuleKeys = append(m.RuleKeys, e.GetStringValue())
			}
		case "buildTarget":
			m.BuildTarget = wire.Ptr(v.GetStringValue())
		case "repository":
			m.Repository = wire.Ptr(v.GetStringValue())
		case "producerId":
			m.ProducerID = wire.Ptr(v.GetStringValue())
		case "buildTimeMs":
			ms, err := strconv.ParseInt(v.GetStringValue(), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("codec: buildTimeMs: %w", err)
			}
			m.BuildTimeMs = &ms
		case "entries":
			st := v.GetStructValue().GetFields()
			m.Entries = make(map[string]string, len(st))
			for k, e := range st {
				m.Entries[k] = e.GetStringValue()
			}
		}
	}
	return m, nil
}

func putString(fields map[string]*structpb.Value, name string, s *string) {
	if s != nil {
		fields[name] = structpb.NewStringValue(*s)
	}
}
