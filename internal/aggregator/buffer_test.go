package aggregator

import (
	"math"
	"testing"

	"github.com/malbeclabs/kinesis-aggregator/internal/wire"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestAggregator_Buffer_InternKey_Dedupes(t *testing.T) {
	t.Parallel()

	var table []string
	index := make(map[string]uint64)

	require.Equal(t, uint64(0), internKey(&table, index, "a"))
	require.Equal(t, uint64(1), internKey(&table, index, "b"))
	require.Equal(t, uint64(0), internKey(&table, index, "a"))
	require.Equal(t, uint64(2), internKey(&table, index, "c"))
	require.Equal(t, uint64(1), internKey(&table, index, "b"))

	require.Equal(t, []string{"a", "b", "c"}, table)
	require.Len(t, index, 3)
}

func TestAggregator_Buffer_Add_SharedPartitionKey(t *testing.T) {
	t.Parallel()

	b := newStreamBuffer()
	b.add(Record{PartitionKey: "k1", Data: []byte("one")}, 10)
	b.add(Record{PartitionKey: "k1", Data: []byte("two")}, 15)

	require.Equal(t, []string{"k1"}, b.partitionKeyTable)
	require.Len(t, b.records, 2)
	require.Equal(t, uint64(0), b.records[0].PartitionKeyIndex)
	require.Equal(t, uint64(0), b.records[1].PartitionKeyIndex)
	require.Equal(t, int64(25), b.currentSize)
}

func TestAggregator_Buffer_Add_OptionalExplicitHashKey(t *testing.T) {
	t.Parallel()

	b := newStreamBuffer()
	b.add(Record{PartitionKey: "k1", ExplicitHashKey: strPtr("h1"), Data: []byte("one")}, 1)
	b.add(Record{PartitionKey: "k2", Data: []byte("two")}, 1)
	b.add(Record{PartitionKey: "k3", ExplicitHashKey: strPtr("h1"), Data: []byte("three")}, 1)
	b.add(Record{PartitionKey: "k1", ExplicitHashKey: strPtr("h2"), Data: []byte("four")}, 1)

	require.Equal(t, []string{"k1", "k2", "k3"}, b.partitionKeyTable)
	require.Equal(t, []string{"h1", "h2"}, b.explicitHashKeyTable)

	require.NotNil(t, b.records[0].ExplicitHashKeyIndex)
	require.Equal(t, uint64(0), *b.records[0].ExplicitHashKeyIndex)
	require.Nil(t, b.records[1].ExplicitHashKeyIndex)
	require.Equal(t, uint64(0), *b.records[2].ExplicitHashKeyIndex)
	require.Equal(t, uint64(1), *b.records[3].ExplicitHashKeyIndex)
	require.Equal(t, uint64(0), b.records[3].PartitionKeyIndex)
}

func TestAggregator_Buffer_Message_RoundTripsInOrder(t *testing.T) {
	t.Parallel()

	b := newStreamBuffer()
	for i, k := range []string{"k1", "k2", "k1", "k3", "k2"} {
		b.add(Record{PartitionKey: k, Data: []byte{byte(i)}}, 1)
	}

	m, err := wire.Unmarshal(wire.Marshal(b.message()))
	require.NoError(t, err)
	require.Equal(t, []string{"k1", "k2", "k3"}, m.PartitionKeyTable)
	require.Len(t, m.Records, 5)
	for i, r := range m.Records {
		require.Equal(t, []byte{byte(i)}, r.Data)
	}
	require.Equal(t, []uint64{0, 1, 0, 2, 1}, []uint64{
		m.Records[0].PartitionKeyIndex,
		m.Records[1].PartitionKeyIndex,
		m.Records[2].PartitionKeyIndex,
		m.Records[3].PartitionKeyIndex,
		m.Records[4].PartitionKeyIndex,
	})
}

func TestAggregator_Buffer_Message_PanicsOnIndexOutOfRange(t *testing.T) {
	t.Parallel()

	b := newStreamBuffer()
	b.add(Record{PartitionKey: "k1", Data: []byte("x")}, 1)
	b.records[0].PartitionKeyIndex = 5

	require.Panics(t, func() { b.message() })
}

func TestAggregator_Buffer_Snapshot_IsACopy(t *testing.T) {
	t.Parallel()

	b := newStreamBuffer()
	b.add(Record{PartitionKey: "k1", ExplicitHashKey: strPtr("h1"), Data: []byte("abc")}, 3)

	s := b.snapshot()
	s.PartitionKeys[0] = "changed"
	s.Records[0].Data[0] = 'X'
	*s.Records[0].ExplicitHashKeyIndex = 9

	require.Equal(t, []string{"k1"}, b.partitionKeyTable)
	require.Equal(t, []byte("abc"), b.records[0].Data)
	require.Equal(t, uint64(0), *b.records[0].ExplicitHashKeyIndex)
	require.Equal(t, int64(3), s.CurrentSize)
}

func TestAggregator_Buffer_Add_SizeSaturates(t *testing.T) {
	t.Parallel()

	b := newStreamBuffer()
	b.add(Record{PartitionKey: "k1"}, 10)
	b.add(Record{PartitionKey: "k1"}, math.MaxInt64)
	require.Equal(t, int64(math.MaxInt64), b.currentSize)

	b.add(Record{PartitionKey: "k1"}, 10)
	require.Equal(t, int64(math.MaxInt64), b.currentSize)
}
