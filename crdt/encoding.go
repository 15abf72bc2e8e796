package crdt

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrMalformedUpdate      = errors.New("malformed update")
	ErrMalformedStateVector = errors.New("malformed state vector")
)

// Updates and state vectors use the protobuf wire format without a schema:
//
//	update  = repeated bytes op (1)
//	op      = client (1) seq (2) lamport (3) kind (4) refClient (5) refSeq (6) value (7)
//	vector  = repeated bytes entry (1)
//	entry   = client (1) seq (2)
const (
	updateOpField protowire.Number = 1

	opClientField    protowire.Number = 1
	opSeqField       protowire.Number = 2
	opLamportField   protowire.Number = 3
	opKindField      protowire.Number = 4
	opRefClientField protowire.Number = 5
	opRefSeqField    protowire.Number = 6
	opValueField     protowire.Number = 7

	vectorEntryField protowire.Number = 1

	entryClientField protowire.Number = 1
	entrySeqField    protowire.Number = 2
)

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// walkFields calls fn for every varint and length-delimited field in b.
// Fields of other wire types are skipped.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, typ, raw, 0); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func encodeOp(o op) []byte {
	var b []byte
	b = appendStringField(b, opClientField, o.ID.Client)
	b = appendVarintField(b, opSeqField, o.ID.Seq)
	b = appendVarintField(b, opLamportField, o.Lamport)
	b = appendVarintField(b, opKindField, uint64(o.Kind))
	if o.Ref.Client != "" {
		b = appendStringField(b, opRefClientField, o.Ref.Client)
	}
	if o.Ref.Seq != 0 {
		b = appendVarintField(b, opRefSeqField, o.Ref.Seq)
	}
	if o.Value != "" {
		b = appendStringField(b, opValueField, o.Value)
	}
	return b
}

func encodeUpdate(ops []op) []byte {
	var b []byte
	for _, o := range ops {
		b = protowire.AppendTag(b, updateOpField, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOp(o))
	}
	return b
}

func expectType(num protowire.Number, got protowire.Type, want protowire.Type) error {
	if got != want {
		return fmt.Errorf("field %d has wire type %d", num, got)
	}
	return nil
}

func decodeOp(b []byte) (op, error) {
	var o op
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error {
		switch num {
		case opClientField, opRefClientField, opValueField:
			if err := expectType(num, typ, protowire.BytesType); err != nil {
				return err
			}
			switch num {
			case opClientField:
				o.ID.Client = string(raw)
			case opRefClientField:
				o.Ref.Client = string(raw)
			default:
				o.Value = string(raw)
			}
		case opSeqField, opLamportField, opKindField, opRefSeqField:
			if err := expectType(num, typ, protowire.VarintType); err != nil {
				return err
			}
			switch num {
			case opSeqField:
				o.ID.Seq = v
			case opLamportField:
				o.Lamport = v
			case opKindField:
				o.Kind = opKind(v)
			default:
				o.Ref.Seq = v
			}
		}
		return nil
	})
	if err != nil {
		return op{}, err
	}
	return o, validateOp(o)
}

func validateOp(o op) error {
	if o.ID.Client == "" || o.ID.Seq == 0 {
		return fmt.Errorf("op without id")
	}
	if o.Lamport == 0 {
		return fmt.Errorf("op %s without lamport timestamp", o.ID)
	}
	if (o.Ref.Client == "") != (o.Ref.Seq == 0) {
		return fmt.Errorf("op %s has a partial reference", o.ID)
	}
	switch o.Kind {
	case opInsert:
		if utf8.RuneCountInString(o.Value) != 1 || !utf8.ValidString(o.Value) {
			return fmt.Errorf("insert %s must carry exactly one rune", o.ID)
		}
	case opDelete:
		if o.Ref.IsZero() {
			return fmt.Errorf("delete %s without target", o.ID)
		}
		if o.Value != "" {
			return fmt.Errorf("delete %s carries a value", o.ID)
		}
	default:
		return fmt.Errorf("op %s has unknown kind %d", o.ID, o.Kind)
	}
	return nil
}

func decodeUpdate(b []byte) ([]op, error) {
	var ops []op
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error {
		if num != updateOpField {
			return nil
		}
		if err := expectType(num, typ, protowire.BytesType); err != nil {
			return err
		}
		o, err := decodeOp(raw)
		if err != nil {
			return err
		}
		ops = append(ops, o)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return ops, nil
}

func encodeStateVector(sv map[string]uint64) []byte {
	clients := make([]string, 0, len(sv))
	for client := range sv {
		clients = append(clients, client)
	}
	sort.Strings(clients)

	var b []byte
	for _, client := range clients {
		var entry []byte
		entry = appendStringField(entry, entryClientField, client)
		entry = appendVarintField(entry, entrySeqField, sv[client])
		b = protowire.AppendTag(b, vectorEntryField, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func decodeStateVector(b []byte) (map[string]uint64, error) {
	sv := map[string]uint64{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error {
		if num != vectorEntryField {
			return nil
		}
		if err := expectType(num, typ, protowire.BytesType); err != nil {
			return err
		}
		var client string
		var seq uint64
		err := walkFields(raw, func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error {
			switch num {
			case entryClientField:
				if err := expectType(num, typ, protowire.BytesType); err != nil {
					return err
				}
				client = string(raw)
			case entrySeqField:
				if err := expectType(num, typ, protowire.VarintType); err != nil {
					return err
				}
				seq = v
			}
			return nil
		})
		if err != nil {
			return err
		}
		if client == "" {
			return fmt.Errorf("entry without client")
		}
		sv[client] = seq
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
	}
	return sv, nil
}
