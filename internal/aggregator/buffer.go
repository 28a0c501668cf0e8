package aggregator

import (
	"fmt"
	"math"

	"github.com/malbeclabs/kinesis-aggregator/internal/wire"
)

// Record is a single put record request as seen by the engine.
type Record struct {
	PartitionKey    string
	ExplicitHashKey *string
	Data            []byte
	Tags            []wire.Tag
}

// StreamBuffer holds the records of one stream accumulated since its last flush. Partition and
// explicit hash keys are interned into tables so each distinct key is stored once per message.
// Indices are only meaningful within the buffer that produced them.
type StreamBuffer struct {
	partitionKeyTable    []string
	partitionKeyIndex    map[string]uint64
	explicitHashKeyTable []string
	explicitHashKeyIndex map[string]uint64
	records              []wire.Record
	currentSize          int64
}

func newStreamBuffer() *StreamBuffer {
	return &StreamBuffer{
		partitionKeyIndex:    make(map[string]uint64),
		explicitHashKeyIndex: make(map[string]uint64),
	}
}

func internKey(table *[]string, index map[string]uint64, key string) uint64 {
	if i, ok := index[key]; ok {
		return i
	}
	*table = append(*table, key)
	i := uint64(len(*table) - 1)
	index[key] = i
	return i
}

func (b *StreamBuffer) add(rec Record, declaredSize int64) {
	r := wire.Record{
		PartitionKeyIndex: internKey(&b.partitionKeyTable, b.partitionKeyIndex, rec.PartitionKey),
		Data:              rec.Data,
		Tags:              rec.Tags,
	}
	if rec.ExplicitHashKey != nil {
		i := internKey(&b.explicitHashKeyTable, b.explicitHashKeyIndex, *rec.ExplicitHashKey)
		r.ExplicitHashKeyIndex = &i
	}
	b.records = append(b.records, r)
	if declaredSize > math.MaxInt64-b.currentSize {
		b.currentSize = math.MaxInt64
	} else {
		b.currentSize += declaredSize
	}
}

// message builds the wire message for the buffer. It panics if a record references a key index
// outside the tables, which can only happen through a bug in the buffer itself.
func (b *StreamBuffer) message() *wire.AggregatedRecord {
	for i, r := range b.records {
		if r.PartitionKeyIndex >= uint64(len(b.partitionKeyTable)) {
			panic(fmt.Sprintf("aggregator: record %d partition key index %d out of range (%d keys)",
				i, r.PartitionKeyIndex, len(b.partitionKeyTable)))
		}
		if r.ExplicitHashKeyIndex != nil && *r.ExplicitHashKeyIndex >= uint64(len(b.explicitHashKeyTable)) {
			panic(fmt.Sprintf("aggregator: record %d explicit hash key index %d out of range (%d keys)",
				i, *r.ExplicitHashKeyIndex, len(b.explicitHashKeyTable)))
		}
	}
	return &wire.AggregatedRecord{
		PartitionKeyTable:    b.partitionKeyTable,
		ExplicitHashKeyTable: b.explicitHashKeyTable,
		Records:              b.records,
	}
}

// Snapshot is a copy of a stream buffer's state.
type Snapshot struct {
	PartitionKeys    []string
	ExplicitHashKeys []string
	Records          []wire.Record
	CurrentSize      int64
}

func (b *StreamBuffer) snapshot() Snapshot {
	s := Snapshot{
		PartitionKeys:    append([]string(nil), b.partitionKeyTable...),
		ExplicitHashKeys: append([]string(nil), b.explicitHashKeyTable...),
		Records:          make([]wire.Record, len(b.records)),
		CurrentSize:      b.currentSize,
	}
	for i, r := range b.records {
		s.Records[i] = r
		s.Records[i].Data = append([]byte(nil), r.Data...)
		if r.ExplicitHashKeyIndex != nil {
			v := *r.ExplicitHashKeyIndex
			s.Records[i].ExplicitHashKeyIndex = &v
		}
		s.Records[i].Tags = append([]wire.Tag(nil), r.Tags...)
	}
	return s
}
