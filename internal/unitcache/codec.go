// Package unitcache encodes computed formula unit results into the binary
// cache record format shared with the storage collaborator: a gzipped
// little-endian stream of fixed-id records with tagged values.
package unitcache

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/calcline-labs/calcline/pkg/expr"
)

// pathSlots is the fixed number of 16-byte path slots per record; shorter
// paths are padded with the zero id.
const pathSlots = 5

// Value type tags.
const (
	tagInt     = 'I' // int32
	tagDecimal = 'D' // length-prefixed decimal string
	tagDouble  = 'F' // float64
	tagBool    = 'B' // one byte
	tagString  = 'S' // length-prefixed UTF-8
)

// Record is one computed formula unit result.
type Record struct {
	FormulaID uuid.UUID
	NodeID    uuid.UUID
	Path      []uuid.UUID
	Name      string
	Trace     string
	Value     expr.Value
}

// Encode serializes records into the gzipped binary stream.
func Encode(records []Record) ([]byte, error) {
	if len(records) > math.MaxUint16 {
		return nil, fmt.Errorf("too many records: %d exceeds the u16 count limit", len(records))
	}

	var body bytes.Buffer
	if err := binary.Write(&body, binary.LittleEndian, uint16(len(records))); err != nil {
		return nil, err
	}
	for _, record := range records {
		if err := encodeRecord(&body, record); err != nil {
			return nil, fmt.Errorf("record %q on node %s: %w", record.Name, record.NodeID, err)
		}
	}

	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	if _, err := zw.Write(body.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to compress unit cache: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress unit cache: %w", err)
	}
	return out.Bytes(), nil
}

// Decode parses a gzipped binary stream back into records. Doubles are
// normalized to decimal so decoded values compare cleanly against freshly
// computed ones.
func Decode(data []byte) ([]Record, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("unit cache is not gzip: %w", err)
	}
	defer zr.Close()

	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress unit cache: %w", err)
	}
	r := bytes.NewReader(body)

	var count uint16
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read record count: %w", err)
	}

	records := make([]Record, 0, count)
	for i := 0; i < int(count); i++ {
		record, err := decodeRecord(r)
		if err != nil {
			return nil, fmt.Errorf("record %d of %d: %w", i+1, count, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func encodeRecord(w *bytes.Buffer, record Record) error {
	if len(record.Path) > pathSlots {
		return fmt.Errorf("path has %d slots, the format carries at most %d", len(record.Path), pathSlots)
	}

	w.Write(record.FormulaID[:])
	w.Write(record.NodeID[:])
	for i := 0; i < pathSlots; i++ {
		id := uuid.Nil
		if i < len(record.Path) {
			id = record.Path[i]
		}
		w.Write(id[:])
	}
	if err := writeString(w, record.Name); err != nil {
		return err
	}
	if err := writeString(w, record.Trace); err != nil {
		return err
	}
	return writeValue(w, record.Value)
}

func decodeRecord(r *bytes.Reader) (Record, error) {
	var record Record
	if err := readID(r, &record.FormulaID); err != nil {
		return record, err
	}
	if err := readID(r, &record.NodeID); err != nil {
		return record, err
	}
	for i := 0; i < pathSlots; i++ {
		var id uuid.UUID
		if err := readID(r, &id); err != nil {
			return record, err
		}
		if id != uuid.Nil {
			record.Path = append(record.Path, id)
		}
	}

	var err error
	if record.Name, err = readString(r); err != nil {
		return record, err
	}
	if record.Trace, err = readString(r); err != nil {
		return record, err
	}
	record.Value, err = readValue(r)
	return record, err
}

func writeValue(w *bytes.Buffer, v expr.Value) error {
	switch x := v.(type) {
	case decimal.Decimal:
		w.WriteByte(tagDecimal)
		return writeString(w, x.String())
	case float64:
		w.WriteByte(tagDouble)
		return binary.Write(w, binary.LittleEndian, x)
	case int:
		if x > math.MaxInt32 || x < math.MinInt32 {
			w.WriteByte(tagDecimal)
			return writeString(w, decimal.NewFromInt(int64(x)).String())
		}
		w.WriteByte(tagInt)
		return binary.Write(w, binary.LittleEndian, int32(x))
	case bool:
		w.WriteByte(tagBool)
		if x {
			w.WriteByte(1)
		} else {
			w.WriteByte(0)
		}
		return nil
	case string:
		w.WriteByte(tagString)
		return writeString(w, x)
	default:
		return fmt.Errorf("value type %T has no cache record encoding", v)
	}
}

func readValue(r *bytes.Reader) (expr.Value, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read value tag: %w", err)
	}
	switch tag {
	case tagInt:
		var v int32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, fmt.Errorf("failed to read int value: %w", err)
		}
		return decimal.NewFromInt(int64(v)), nil
	case tagDecimal:
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("corrupt decimal value %q: %w", s, err)
		}
		return d, nil
	case tagDouble:
		var v float64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, fmt.Errorf("failed to read double value: %w", err)
		}
		return decimal.NewFromFloat(v), nil
	case tagBool:
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("failed to read bool value: %w", err)
		}
		return b != 0, nil
	case tagString:
		return readString(r)
	default:
		return nil, fmt.Errorf("unknown value tag %q", tag)
	}
}

func writeString(w *bytes.Buffer, s string) error {
	if uint64(len(s)) > math.MaxUint32 {
		return fmt.Errorf("string of %d bytes exceeds the length prefix", len(s))
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	w.WriteString(s)
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", fmt.Errorf("failed to read string length: %w", err)
	}
	if int(length) > r.Len() {
		return "", fmt.Errorf("string length %d exceeds remaining stream", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("failed to read string: %w", err)
	}
	return string(buf), nil
}

func readID(r *bytes.Reader, id *uuid.UUID) error {
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return fmt.Errorf("failed to read id: %w", err)
	}
	return nil
}
