// Package wire encodes and decodes the aggregated record message: a protobuf message holding
// deduplicated partition/explicit-hash key tables and the records that reference them.
//
// The field layout matches the Kinesis Producer Library aggregation format:
//
//	AggregatedRecord {
//	  1: repeated string partition_key_table
//	  2: repeated string explicit_hash_key_table
//	  3: repeated Record records
//	}
//	Record {
//	  1: uint64          partition_key_index
//	  2: optional uint64 explicit_hash_key_index
//	  3: bytes           data
//	  4: repeated Tag    tags
//	}
//	Tag {
//	  1: string          key
//	  2: optional string value
//	}
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("malformed aggregated record")

const (
	fieldPartitionKeyTable    protowire.Number = 1
	fieldExplicitHashKeyTable protowire.Number = 2
	fieldRecords              protowire.Number = 3

	fieldRecordPartitionKeyIndex    protowire.Number = 1
	fieldRecordExplicitHashKeyIndex protowire.Number = 2
	fieldRecordData                 protowire.Number = 3
	fieldRecordTags                 protowire.Number = 4

	fieldTagKey   protowire.Number = 1
	fieldTagValue protowire.Number = 2
)

type AggregatedRecord struct {
	PartitionKeyTable    []string
	ExplicitHashKeyTable []string
	Records              []Record
}

type Record struct {
	PartitionKeyIndex    uint64
	ExplicitHashKeyIndex *uint64
	Data                 []byte
	Tags                 []Tag
}

type Tag struct {
	Key   string
	Value *string
}

// Marshal encodes m. It does not check that record indices are in range for the key tables.
func Marshal(m *AggregatedRecord) []byte {
	var b []byte
	for _, k := range m.PartitionKeyTable {
		b = protowire.AppendTag(b, fieldPartitionKeyTable, protowire.BytesType)
		b = protowire.AppendString(b, k)
	}
	for _, k := range m.ExplicitHashKeyTable {
		b = protowire.AppendTag(b, fieldExplicitHashKeyTable, protowire.BytesType)
		b = protowire.AppendString(b, k)
	}
	for i := range m.Records {
		b = protowire.AppendTag(b, fieldRecords, protowire.BytesType)
		b = protowire.AppendBytes(b, appendRecord(nil, &m.Records[i]))
	}
	return b
}

func appendRecord(b []byte, r *Record) []byte {
	b = protowire.AppendTag(b, fieldRecordPartitionKeyIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, r.PartitionKeyIndex)
	if r.ExplicitHashKeyIndex != nil {
		b = protowire.AppendTag(b, fieldRecordExplicitHashKeyIndex, protowire.VarintType)
		b = protowire.AppendVarint(b, *r.ExplicitHashKeyIndex)
	}
	b = protowire.AppendTag(b, fieldRecordData, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Data)
	for _, t := range r.Tags {
		b = protowire.AppendTag(b, fieldRecordTags, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTag(nil, t))
	}
	return b
}

func appendTag(b []byte, t Tag) []byte {
	b = protowire.AppendTag(b, fieldTagKey, protowire.BytesType)
	b = protowire.AppendString(b, t.Key)
	if t.Value != nil {
		b = protowire.AppendTag(b, fieldTagValue, protowire.BytesType)
		b = protowire.AppendString(b, *t.Value)
	}
	return b
}

// Unmarshal decodes b. Unknown fields are skipped. A record whose key indices fall outside the
// decoded key tables is reported as ErrMalformed.
func Unmarshal(b []byte) (*AggregatedRecord, error) {
	m := &AggregatedRecord{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldPartitionKeyTable && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: partition key table: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.PartitionKeyTable = append(m.PartitionKeyTable, v)
			b = b[n:]
		case num == fieldExplicitHashKeyTable && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: explicit hash key table: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.ExplicitHashKeyTable = append(m.ExplicitHashKeyTable, v)
			b = b[n:]
		case num == fieldRecords && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: record: %v", ErrMalformed, protowire.ParseError(n))
			}
			r, err := unmarshalRecord(v)
			if err != nil {
				return nil, err
			}
			m.Records = append(m.Records, r)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	for i, r := range m.Records {
		if r.PartitionKeyIndex >= uint64(len(m.PartitionKeyTable)) {
			return nil, fmt.Errorf("%w: record %d: partition key index %d out of range (table size %d)",
				ErrMalformed, i, r.PartitionKeyIndex, len(m.PartitionKeyTable))
		}
		if r.ExplicitHashKeyIndex != nil && *r.ExplicitHashKeyIndex >= uint64(len(m.ExplicitHashKeyTable)) {
			return nil, fmt.Errorf("%w: record %d: explicit hash key index %d out of range (table size %d)",
				ErrMalformed, i, *r.ExplicitHashKeyIndex, len(m.ExplicitHashKeyTable))
		}
	}
	return m, nil
}

func unmarshalRecord(b []byte) (Record, error) {
	var r Record
	var sawPartitionKeyIndex, sawData bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, fmt.Errorf("%w: record tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldRecordPartitionKeyIndex && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: partition key index: %v", ErrMalformed, protowire.ParseError(n))
			}
			r.PartitionKeyIndex = v
			sawPartitionKeyIndex = true
			b = b[n:]
		case num == fieldRecordExplicitHashKeyIndex && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: explicit hash key index: %v", ErrMalformed, protowire.ParseError(n))
			}
			r.ExplicitHashKeyIndex = &v
			b = b[n:]
		case num == fieldRecordData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: data: %v", ErrMalformed, protowire.ParseError(n))
			}
			r.Data = append([]byte{}, v...)
			sawData = true
			b = b[n:]
		case num == fieldRecordTags && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
			}
			t, err := unmarshalTag(v)
			if err != nil {
				return Record{}, err
			}
			r.Tags = append(r.Tags, t)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: record field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !sawPartitionKeyIndex {
		return Record{}, fmt.Errorf("%w: record missing partition key index", ErrMalformed)
	}
	if !sawData {
		return Record{}, fmt.Errorf("%w: record missing data", ErrMalformed)
	}
	return r, nil
}

func unmarshalTag(b []byte) (Tag, error) {
	var t Tag
	var sawKey bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Tag{}, fmt.Errorf("%w: tag field: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldTagKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Tag{}, fmt.Errorf("%w: tag key: %v", ErrMalformed, protowire.ParseError(n))
			}
			t.Key = v
			sawKey = true
			b = b[n:]
		case num == fieldTagValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Tag{}, fmt.Errorf("%w: tag value: %v", ErrMalformed, protowire.ParseError(n))
			}
			t.Value = &v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Tag{}, fmt.Errorf("%w: tag field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !sawKey {
		return Tag{}, fmt.Errorf("%w: tag missing key", ErrMalformed)
	}
	return t, nil
}
