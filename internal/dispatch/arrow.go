package dispatch

import (
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const expertMetadataKey = "expert_id"

func blockSchema(hidden int, expert int32) *arrow.Schema {
	md := arrow.NewMetadata([]string{expertMetadataKey}, []string{strconv.Itoa(int(expert))})
	return arrow.NewSchema([]arrow.Field{
		{Name: "token_id", Type: arrow.PrimitiveTypes.Int32},
		{Name: "hidden", Type: arrow.FixedSizeListOf(int32(hidden), arrow.PrimitiveTypes.Float32)},
	}, &md)
}

// BlockToRecord encodes a block as an Arrow record with a token id column
// and a fixed-size-list hidden state column. The caller releases the record.
func BlockToRecord(mem memory.Allocator, b Block, hidden int) (arrow.Record, error) {
	if len(b.TokenIDs) != len(b.Rows) {
		return nil, fmt.Errorf("block has %d token ids for %d rows", len(b.TokenIDs), len(b.Rows))
	}
	bldr := array.NewRecordBuilder(mem, blockSchema(hidden, b.Expert))
	defer bldr.Release()

	idBldr := bldr.Field(0).(*array.Int32Builder)
	listBldr := bldr.Field(1).(*array.FixedSizeListBuilder)
	valBldr := listBldr.ValueBuilder().(*array.Float32Builder)

	for i, row := range b.Rows {
		if len(row) != hidden {
			return nil, fmt.Errorf("row %d has width %d, want %d", i, len(row), hidden)
		}
		idBldr.Append(b.TokenIDs[i])
		listBldr.Append(true)
		valBldr.AppendValues(row, nil)
	}
	return bldr.NewRecord(), nil
}

// RecordToBlock decodes a record produced by BlockToRecord.
func RecordToBlock(rec arrow.Record) (Block, error) {
	md := rec.Schema().Metadata()
	idx := md.FindKey(expertMetadataKey)
	if idx < 0 {
		return Block{}, fmt.Errorf("record schema is missing %q metadata", expertMetadataKey)
	}
	expert, err := strconv.Atoi(md.Values()[idx])
	if err != nil {
		return Block{}, fmt.Errorf("bad expert id metadata: %w", err)
	}
	if rec.NumCols() != 2 {
		return Block{}, fmt.Errorf("expected 2 columns, got %d", rec.NumCols())
	}
	ids, ok := rec.Column(0).(*array.Int32)
	if !ok {
		return Block{}, fmt.Errorf("token_id column has type %s", rec.Column(0).DataType())
	}
	lists, ok := rec.Column(1).(*array.FixedSizeList)
	if !ok {
		return Block{}, fmt.Errorf("hidden column has type %s", rec.Column(1).DataType())
	}
	vals, ok := lists.ListValues().(*array.Float32)
	if !ok {
		return Block{}, fmt.Errorf("hidden values have type %s", lists.ListValues().DataType())
	}
	hidden := int(lists.DataType().(*arrow.FixedSizeListType).Len())

	b := Block{Expert: int32(expert)}
	for i := 0; i < int(rec.NumRows()); i++ {
		b.TokenIDs = append(b.TokenIDs, ids.Value(i))
		row := make([]float32, hidden)
		off := (lists.Offset() + i) * hidden
		for j := 0; j < hidden; j++ {
			row[j] = vals.Value(off + j)
		}
		b.Rows = append(b.Rows, row)
	}
	return b, nil
}

// WriteBlock streams a block as Arrow IPC.
func WriteBlock(w io.Writer, b Block, hidden int) error {
	mem := memory.NewGoAllocator()
	rec, err := BlockToRecord(mem, b, hidden)
	if err != nil {
		return err
	}
	defer rec.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("write record: %w", err)
	}
	return wr.Close()
}

// ReadBlock decodes a block from an Arrow IPC stream.
func ReadBlock(r io.Reader) (Block, error) {
	rdr, err := ipc.NewReader(r)
	if err != nil {
		return Block{}, fmt.Errorf("open ipc stream: %w", err)
	}
	defer rdr.Release()
	if !rdr.Next() {
		if err := rdr.Err(); err != nil {
			return Block{}, err
		}
		return Block{}, fmt.Errorf("ipc stream holds no record")
	}
	return RecordToBlock(rdr.Record())
}
