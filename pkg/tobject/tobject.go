package tobject

import (
	"fmt"
	"math/big"
)

// Kind discriminates the TObject tagged union. Kind values double as
// the low-12-bit type code written into the cell wire flags.
type Kind uint16

const (
	KindNull Kind = iota
	KindBoolean
	KindInt64
	KindNumeric
	KindString
	KindDate
	KindBinary
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindBoolean:
		return "BOOLEAN"
	case KindInt64:
		return "INT64"
	case KindNumeric:
		return "NUMERIC"
	case KindString:
		return "STRING"
	case KindDate:
		return "DATE"
	case KindBinary:
		return "BINARY"
	case KindObject:
		return "OBJECT"
	default:
		return fmt.Sprintf("KIND(%d)", uint16(k))
	}
}

// NumberState is the extended-numeric state byte: a numeric cell is
// either an ordinary finite value or one of the three non-finite states
// an aggregate or division can produce.
type NumberState uint8

const (
	NumberNone NumberState = iota
	NumberNegInfinity
	NumberPosInfinity
	NumberNaN
)

// BlobRef is the reference a Binary/Object cell holds into a blob
// store; the engine never interprets the bytes behind it.
type BlobRef struct {
	ID       int64
	ClassTag string // only meaningful for KindObject
}

// TObject is the tagged-union cell value. The zero value is NULL.
type TObject struct {
	kind Kind
	null bool

	boolVal bool
	i64Val  int64

	numState NumberState
	numScale int16
	numMag   []byte // big-endian two's-complement magnitude, empty for zero

	strVal string // UCS-2-like code units, held as a Go string of runes <= 0xFFFF

	dateMs int64

	blob BlobRef
}

// Null constructs a NULL TObject of the given kind (kind is retained so
// the column's declared type survives even when the value is absent).
func Null(kind Kind) TObject { return TObject{kind: kind, null: true} }

// Bool constructs a non-null BOOLEAN cell.
func Bool(v bool) TObject { return TObject{kind: KindBoolean, boolVal: v} }

// Int64 constructs a non-null INT64 cell.
func Int64(v int64) TObject { return TObject{kind: KindInt64, i64Val: v} }

// Numeric constructs a non-null NUMERIC cell from a decimal scale and a
// big-endian two's-complement magnitude (the extended numeric format).
func Numeric(scale int16, magnitude []byte) TObject {
	return TObject{kind: KindNumeric, numState: NumberNone, numScale: scale, numMag: magnitude}
}

// NumericState constructs a non-finite NUMERIC cell (NaN or an infinity).
func NumericState(state NumberState) TObject {
	return TObject{kind: KindNumeric, numState: state}
}

// Str constructs a non-null STRING cell.
func Str(v string) TObject { return TObject{kind: KindString, strVal: v} }

// Date constructs a non-null DATE cell, milliseconds since epoch.
func Date(ms int64) TObject { return TObject{kind: KindDate, dateMs: ms} }

// Binary constructs a non-null BINARY cell referencing a blob.
func Binary(ref BlobRef) TObject { return TObject{kind: KindBinary, blob: ref} }

// Object constructs a non-null OBJECT cell referencing a blob plus a
// caller-defined class tag; arbitrary object payloads are an external
// concern, the engine only threads the tag through.
func Object(ref BlobRef) TObject { return TObject{kind: KindObject, blob: ref} }

func (t TObject) Kind() Kind   { return t.kind }
func (t TObject) IsNull() bool { return t.null }

func (t TObject) Bool() (bool, bool) {
	if t.null || t.kind != KindBoolean {
		return false, false
	}
	return t.boolVal, true
}

func (t TObject) Int64() (int64, bool) {
	if t.null || t.kind != KindInt64 {
		return 0, false
	}
	return t.i64Val, true
}

func (t TObject) NumericParts() (state NumberState, scale int16, magnitude []byte, ok bool) {
	if t.null || t.kind != KindNumeric {
		return 0, 0, nil, false
	}
	return t.numState, t.numScale, t.numMag, true
}

func (t TObject) String() (string, bool) {
	if t.null || t.kind != KindString {
		return "", false
	}
	return t.strVal, true
}

func (t TObject) DateMillis() (int64, bool) {
	if t.null || t.kind != KindDate {
		return 0, false
	}
	return t.dateMs, true
}

func (t TObject) BlobRef() (BlobRef, bool) {
	if t.null || (t.kind != KindBinary && t.kind != KindObject) {
		return BlobRef{}, false
	}
	return t.blob, true
}

// Compare orders two TObjects of the same Kind for index insertion
// (pkg/indexset) and PK/UK tuple equality (pkg/constraint). NULL sorts
// before any non-null value of the same kind. Comparing different kinds
// is a programmer error and panics, matching how the engine never mixes
// column types within one indexed column.
func (t TObject) Compare(o TObject) int {
	if t.kind != o.kind {
		panic(fmt.Sprintf("tobject: cannot compare %s with %s", t.kind, o.kind))
	}
	if t.null || o.null {
		switch {
		case t.null && o.null:
			return 0
		case t.null:
			return -1
		default:
			return 1
		}
	}
	switch t.kind {
	case KindBoolean:
		return boolCompare(t.boolVal, o.boolVal)
	case KindInt64:
		return int64Compare(t.i64Val, o.i64Val)
	case KindNumeric:
		return numericCompare(t, o)
	case KindString:
		return stringCompare(t.strVal, o.strVal)
	case KindDate:
		return int64Compare(t.dateMs, o.dateMs)
	case KindBinary, KindObject:
		return int64Compare(t.blob.ID, o.blob.ID)
	default:
		return 0
	}
}

func boolCompare(a, b bool) int {
	if a == b {
		return 0
	}
	if !a {
		return -1
	}
	return 1
}

func int64Compare(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func stringCompare(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// numericCompare orders -infinity below every finite value, +infinity
// above them, NaN above everything, and otherwise compares scaled
// magnitude.
func numericCompare(a, b TObject) int {
	rank := func(t TObject) int {
		switch t.numState {
		case NumberNegInfinity:
			return 0
		case NumberNone:
			return 1
		case NumberPosInfinity:
			return 2
		case NumberNaN:
			return 3
		default:
			return 1
		}
	}
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return int64Compare(int64(ra), int64(rb))
	}
	if ra != 1 {
		return 0 // both the same non-finite state
	}
	return magnitudeCompare(a.numScale, a.numMag, b.numScale, b.numMag)
}

// magnitudeCompare compares two big-endian two's-complement magnitudes
// after aligning their decimal scale (scale is "digits after the decimal
// point", so the lower-scale operand is multiplied up by 10^diff before
// comparing).
func magnitudeCompare(scaleA int16, magA []byte, scaleB int16, magB []byte) int {
	ai := bigFromTwosComplement(magA)
	bi := bigFromTwosComplement(magB)
	switch {
	case scaleA > scaleB:
		bi.Mul(bi, pow10(int(scaleA-scaleB)))
	case scaleB > scaleA:
		ai.Mul(ai, pow10(int(scaleB-scaleA)))
	}
	return ai.Cmp(bi)
}

func bigFromTwosComplement(b []byte) *big.Int {
	v := new(big.Int)
	if len(b) == 0 {
		return v
	}
	v.SetBytes(b)
	if b[0]&0x80 != 0 {
		// negative: v currently holds the unsigned bit pattern; subtract
		// 2^(8*len(b)) to recover the signed value.
		mod := new(big.Int).Lsh(big.NewInt(1), uint(8*len(b)))
		v.Sub(v, mod)
	}
	return v
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
