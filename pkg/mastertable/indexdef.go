package mastertable

import (
	"encoding/binary"
	"fmt"
)

// IndexDef describes one column index of a table.
type IndexDef struct {
	Name    string
	Type    int32
	Columns []string
}

// IndexSetDef is the persisted description of a table's index set:
// version (i32 BE), schema name, table name (both length-prefixed
// UTF-8), index count (i32 BE), then one IndexDef block per index.
// Each table writes one at create time and validates it on reopen; the
// live IndexSet itself is rebuilt by scanning committed rows.
type IndexSetDef struct {
	SchemaName string
	TableName  string
	Indexes    []IndexDef
}

const indexSetDefVersion int32 = 1

func appendI32(buf []byte, v int32) []byte {
	tmp := make([]byte, 4)
	binary.BigEndian.PutUint32(tmp, uint32(v))
	return append(buf, tmp...)
}

func appendStr(buf []byte, s string) []byte {
	buf = appendI32(buf, int32(len(s)))
	return append(buf, s...)
}

// EncodeIndexSetDef serializes d.
func EncodeIndexSetDef(d IndexSetDef) []byte {
	buf := appendI32(nil, indexSetDefVersion)
	buf = appendStr(buf, d.SchemaName)
	buf = appendStr(buf, d.TableName)
	buf = appendI32(buf, int32(len(d.Indexes)))
	for _, idx := range d.Indexes {
		buf = appendStr(buf, idx.Name)
		buf = appendI32(buf, idx.Type)
		buf = appendI32(buf, int32(len(idx.Columns)))
		for _, col := range idx.Columns {
			buf = appendStr(buf, col)
		}
	}
	return buf
}

// DecodeIndexSetDef parses the form written by EncodeIndexSetDef.
func DecodeIndexSetDef(buf []byte) (IndexSetDef, error) {
	off := 0
	readI32 := func() (int32, error) {
		if off+4 > len(buf) {
			return 0, fmt.Errorf("mastertable: truncated index set def")
		}
		v := int32(binary.BigEndian.Uint32(buf[off:]))
		off += 4
		return v, nil
	}
	readStr := func() (string, error) {
		n, err := readI32()
		if err != nil {
			return "", err
		}
		if n < 0 || off+int(n) > len(buf) {
			return "", fmt.Errorf("mastertable: truncated index set def string")
		}
		s := string(buf[off : off+int(n)])
		off += int(n)
		return s, nil
	}

	var d IndexSetDef
	version, err := readI32()
	if err != nil {
		return d, err
	}
	if version != indexSetDefVersion {
		return d, fmt.Errorf("mastertable: index set def version %d not supported", version)
	}
	if d.SchemaName, err = readStr(); err != nil {
		return d, err
	}
	if d.TableName, err = readStr(); err != nil {
		return d, err
	}
	count, err := readI32()
	if err != nil {
		return d, err
	}
	d.Indexes = make([]IndexDef, 0, count)
	for i := int32(0); i < count; i++ {
		var idx IndexDef
		if idx.Name, err = readStr(); err != nil {
			return d, err
		}
		if idx.Type, err = readI32(); err != nil {
			return d, err
		}
		colCount, err := readI32()
		if err != nil {
			return d, err
		}
		idx.Columns = make([]string, 0, colCount)
		for j := int32(0); j < colCount; j++ {
			col, err := readStr()
			if err != nil {
				return d, err
			}
			idx.Columns = append(idx.Columns, col)
		}
		d.Indexes = append(d.Indexes, idx)
	}
	return d, nil
}

// defaultIndexSetDef builds the one-index-per-column description a
// fresh table starts with.
func defaultIndexSetDef(def DataTableDef) IndexSetDef {
	d := IndexSetDef{SchemaName: def.SchemaName, TableName: def.TableName}
	for _, col := range def.Columns {
		d.Indexes = append(d.Indexes, IndexDef{
			Name:    "idx_" + col.Name,
			Type:    1,
			Columns: []string{col.Name},
		})
	}
	return d
}
