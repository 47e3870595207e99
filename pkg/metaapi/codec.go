package metaapi

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

// wireMessage is implemented by every message exchanged with the MetaAPI.
// Encoding follows the protobuf binary format so the gateway interoperates
// with protobuf servers without generated code.
type wireMessage interface {
	appendWire(b []byte) []byte
	consumeWire(b []byte) error
}

// Codec returns the grpc codec for MetaAPI messages. It is registered under
// the "proto" name, so requests carry the standard application/grpc+proto
// content subtype.
func Codec() encoding.Codec {
	return codec{}
}

type codec struct{}

func (codec) Name() string {
	return "proto"
}

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("metaapi: cannot marshal %T", v)
	}
	return m.appendWire(nil), nil
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("metaapi: cannot unmarshal into %T", v)
	}
	return m.consumeWire(data)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, m wireMessage) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.appendWire(nil))
}

// fieldFunc consumes the value of one field and returns the number of bytes
// read, or a negative protowire error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func consumeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return protowire.ConsumeFieldValue(num, typ, b), nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("metaapi: unexpected wire type %d for varint field", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("metaapi: unexpected wire type %d for length delimited field", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, n, nil
	}
	return append([]byte(nil), v...), n, nil
}

func (h *Headers) appendWire(b []byte) []byte {
	b = appendString(b, 1, h.ClientRef)
	b = appendString(b, 2, h.ClientAppID)
	for _, ref := range h.TransactionRef {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, ref)
	}
	return b
}

func (h *Headers) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2, 3:
			v, n, err := consumeBytes(typ, b)
			if err != nil || n < 0 {
				return n, err
			}
			switch num {
			case 1:
				h.ClientRef = string(v)
			case 2:
				h.ClientAppID = string(v)
			default:
				h.TransactionRef = append(h.TransactionRef, string(v))
			}
			return n, nil
		default:
			return skipField(num, typ, b)
		}
	})
}

func (p *QueryPayload) appendWire(b []byte) []byte {
	b = appendVarint(b, 1, uint64(int64(p.ResultContentType)))
	return appendBytes(b, 2, p.Query)
}

func (p *QueryPayload) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			p.ResultContentType = ResultType(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			p.Query = v
			return n, err
		default:
			return skipField(num, typ, b)
		}
	})
}

func (r *SparqlQueryRequest) appendWire(b []byte) []byte {
	if r.Headers != nil {
		b = appendMessage(b, 1, r.Headers)
	}
	b = appendVarint(b, 2, uint64(int64(r.Scope)))
	if r.Payload != nil {
		b = appendMessage(b, 3, r.Payload)
	}
	return b
}

func (r *SparqlQueryRequest) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			if err != nil || n < 0 {
				return n, err
			}
			r.Headers = &Headers{}
			return n, r.Headers.consumeWire(v)
		case 2:
			v, n, err := consumeVarint(typ, b)
			r.Scope = Scope(v)
			return n, err
		case 3:
			v, n, err := consumeBytes(typ, b)
			if err != nil || n < 0 {
				return n, err
			}
			r.Payload = &QueryPayload{}
			return n, r.Payload.consumeWire(v)
		default:
			return skipField(num, typ, b)
		}
	})
}

func (s *Status) appendWire(b []byte) []byte {
	b = appendVarint(b, 1, uint64(int64(s.Code)))
	return appendString(b, 2, s.Message)
}

func (s *Status) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			s.Code = int32(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			s.Message = string(v)
			return n, err
		default:
			return skipField(num, typ, b)
		}
	})
}

func (p *ResultPayload) appendWire(b []byte) []byte {
	b = appendVarint(b, 1, p.SeqNum)
	b = appendVarint(b, 2, protowire.EncodeBool(p.Last))
	if p.Status != nil {
		b = appendMessage(b, 3, p.Status)
	}
	return appendBytes(b, 4, p.ResultChunk)
}

func (p *ResultPayload) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			p.SeqNum = v
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			p.Last = protowire.DecodeBool(v)
			return n, err
		case 3:
			v, n, err := consumeBytes(typ, b)
			if err != nil || n < 0 {
				return n, err
			}
			p.Status = &Status{}
			return n, p.Status.consumeWire(v)
		case 4:
			v, n, err := consumeBytes(typ, b)
			p.ResultChunk = v
			return n, err
		default:
			return skipField(num, typ, b)
		}
	})
}

func (r *SparqlQueryResponse) appendWire(b []byte) []byte {
	if r.Headers != nil {
		b = appendMessage(b, 1, r.Headers)
	}
	if r.Payload != nil {
		b = appendMessage(b, 2, r.Payload)
	}
	return b
}

func (r *SparqlQueryResponse) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			if err != nil || n < 0 {
				return n, err
			}
			r.Headers = &Headers{}
			return n, r.Headers.consumeWire(v)
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil || n < 0 {
				return n, err
			}
			r.Payload = &ResultPayload{}
			return n, r.Payload.consumeWire(v)
		default:
			return skipField(num, typ, b)
		}
	})
}
