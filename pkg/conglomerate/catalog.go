package conglomerate

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/pgstore/pkg/mastertable"
	"github.com/cuemby/pgstore/pkg/tobject"
)

// tableRecord is one entry in the logical name -> physical store
// catalog persisted alongside the conglomerate's root meta (separate
// from statestore.Entry, which only tracks the visible/pending-delete
// lifecycle of physical store names, not the schema bound to them).
type tableRecord struct {
	id          int64
	name        string
	encodedName string
	def         mastertable.DataTableDef
}

func encodeTableCatalog(records []tableRecord) []byte {
	buf := make([]byte, 0, 256)
	buf = appendU32(buf, uint32(len(records)))
	for _, r := range records {
		buf = appendU64(buf, uint64(r.id))
		buf = appendString(buf, r.name)
		buf = appendString(buf, r.encodedName)
		buf = appendString(buf, r.def.SchemaName)
		buf = appendString(buf, r.def.TableName)
		buf = appendU32(buf, uint32(len(r.def.Columns)))
		for _, c := range r.def.Columns {
			buf = appendString(buf, c.Name)
			buf = appendU16(buf, uint16(c.Kind))
			nullable := byte(0)
			if c.Nullable {
				nullable = 1
			}
			buf = append(buf, nullable)
		}
	}
	return buf
}

func decodeTableCatalog(buf []byte) ([]tableRecord, error) {
	off := 0
	readU32 := func() (uint32, error) {
		if off+4 > len(buf) {
			return 0, fmt.Errorf("conglomerate: truncated table catalog")
		}
		v := binary.BigEndian.Uint32(buf[off:])
		off += 4
		return v, nil
	}
	readU64 := func() (uint64, error) {
		if off+8 > len(buf) {
			return 0, fmt.Errorf("conglomerate: truncated table catalog")
		}
		v := binary.BigEndian.Uint64(buf[off:])
		off += 8
		return v, nil
	}
	readU16 := func() (uint16, error) {
		if off+2 > len(buf) {
			return 0, fmt.Errorf("conglomerate: truncated table catalog")
		}
		v := binary.BigEndian.Uint16(buf[off:])
		off += 2
		return v, nil
	}
	readString := func() (string, error) {
		n, err := readU32()
		if err != nil {
			return "", err
		}
		if off+int(n) > len(buf) {
			return "", fmt.Errorf("conglomerate: truncated table catalog string")
		}
		s := string(buf[off : off+int(n)])
		off += int(n)
		return s, nil
	}

	count, err := readU32()
	if err != nil {
		return nil, err
	}
	records := make([]tableRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		id, err := readU64()
		if err != nil {
			return nil, err
		}
		name, err := readString()
		if err != nil {
			return nil, err
		}
		encodedName, err := readString()
		if err != nil {
			return nil, err
		}
		schemaName, err := readString()
		if err != nil {
			return nil, err
		}
		tableName, err := readString()
		if err != nil {
			return nil, err
		}
		colCount, err := readU32()
		if err != nil {
			return nil, err
		}
		cols := make([]mastertable.ColumnDef, 0, colCount)
		for j := uint32(0); j < colCount; j++ {
			colName, err := readString()
			if err != nil {
				return nil, err
			}
			kind, err := readU16()
			if err != nil {
				return nil, err
			}
			if off >= len(buf) {
				return nil, fmt.Errorf("conglomerate: truncated table catalog column")
			}
			nullable := buf[off] != 0
			off++
			cols = append(cols, mastertable.ColumnDef{Name: colName, Kind: tobject.Kind(kind), Nullable: nullable})
		}
		records = append(records, tableRecord{
			id: int64(id), name: name, encodedName: encodedName,
			def: mastertable.DataTableDef{SchemaName: schemaName, TableName: tableName, Columns: cols},
		})
	}
	return records, nil
}

func appendU16(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}

func appendU32(buf []byte, v uint32) []byte {
	tmp := make([]byte, 4)
	binary.BigEndian.PutUint32(tmp, v)
	return append(buf, tmp...)
}

func appendU64(buf []byte, v uint64) []byte {
	tmp := make([]byte, 8)
	binary.BigEndian.PutUint64(tmp, v)
	return append(buf, tmp...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendU32(buf, uint32(len(s)))
	return append(buf, s...)
}

// Encoded table file names carry a ':' prefix plus a format version
// character ahead of the physical source identifier; the state store
// records the encoded form, the store system opens the identifier.
func encodeTableFileName(sourceIdent string) string { return ":2" + sourceIdent }

func decodeTableFileName(encoded string) (string, error) {
	if len(encoded) < 2 || encoded[0] != ':' {
		return "", fmt.Errorf("conglomerate: malformed encoded table file name %q", encoded)
	}
	switch encoded[1] {
	case '1', '2':
		return encoded[2:], nil
	}
	return "", fmt.Errorf("conglomerate: unknown table file name version %q", encoded[1])
}

// col is a small constructor helper for the system catalog definitions
// below, kept terse since sysCatalogDefs lists eleven tables' worth.
func col(name string, kind tobject.Kind, nullable bool) mastertable.ColumnDef {
	return mastertable.ColumnDef{Name: name, Kind: kind, Nullable: nullable}
}

// sysCatalogDefs returns the eleven SYS_INFO system tables' schemas.
func sysCatalogDefs() []mastertable.DataTableDef {
	str := tobject.KindString
	i64 := tobject.KindInt64
	b := tobject.KindBoolean
	return []mastertable.DataTableDef{
		{SchemaName: "SYS_INFO", TableName: "SchemaInfo", Columns: []mastertable.ColumnDef{
			col("id", i64, false), col("name", str, false), col("type", str, false), col("other", str, true),
		}},
		{SchemaName: "SYS_INFO", TableName: "DatabaseVars", Columns: []mastertable.ColumnDef{
			col("variable", str, false), col("value", str, true),
		}},
		{SchemaName: "SYS_INFO", TableName: "ForeignColumns", Columns: []mastertable.ColumnDef{
			col("fk_id", i64, false), col("fcolumn", str, false), col("pcolumn", str, false), col("seq_no", i64, false),
		}},
		{SchemaName: "SYS_INFO", TableName: "UniqueColumns", Columns: []mastertable.ColumnDef{
			col("un_id", i64, false), col("column", str, false), col("seq_no", i64, false),
		}},
		{SchemaName: "SYS_INFO", TableName: "PrimaryColumns", Columns: []mastertable.ColumnDef{
			col("pk_id", i64, false), col("column", str, false), col("seq_no", i64, false),
		}},
		{SchemaName: "SYS_INFO", TableName: "CheckInfo", Columns: []mastertable.ColumnDef{
			col("id", i64, false), col("name", str, false), col("schema", str, false), col("table", str, false),
			col("expression", str, false), col("deferred", b, false), col("serialized_expression", str, true),
		}},
		{SchemaName: "SYS_INFO", TableName: "UniqueInfo", Columns: []mastertable.ColumnDef{
			col("id", i64, false), col("name", str, false), col("schema", str, false), col("table", str, false), col("deferred", b, false),
		}},
		{SchemaName: "SYS_INFO", TableName: "FKeyInfo", Columns: []mastertable.ColumnDef{
			col("id", i64, false), col("name", str, false), col("schema", str, false), col("table", str, false),
			col("ref_schema", str, false), col("ref_table", str, false),
			col("update_rule", str, false), col("delete_rule", str, false), col("deferred", b, false),
		}},
		{SchemaName: "SYS_INFO", TableName: "PKeyInfo", Columns: []mastertable.ColumnDef{
			col("id", i64, false), col("name", str, false), col("schema", str, false), col("table", str, false), col("deferred", b, false),
		}},
		{SchemaName: "SYS_INFO", TableName: "SequenceInfo", Columns: []mastertable.ColumnDef{
			col("id", i64, false), col("schema", str, false), col("name", str, false), col("type", str, false),
		}},
		{SchemaName: "SYS_INFO", TableName: "Sequence", Columns: []mastertable.ColumnDef{
			col("seq_id", i64, false), col("last_value", i64, false), col("increment", i64, false),
			col("minvalue", i64, false), col("maxvalue", i64, false), col("start", i64, false),
			col("cache", i64, false), col("cycle", b, false),
		}},
	}
}

func qualifiedName(def mastertable.DataTableDef) string {
	return def.SchemaName + "." + def.TableName
}
