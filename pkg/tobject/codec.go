package tobject

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"
)

// Cell wire flag bits: the low 12 bits are the type code, bit 12 the
// null flag, bit 13 the compressed flag.
const (
	flagTypeMask      = 0x0FFF
	flagNullBit       = 1 << 12
	flagCompressedBit = 1 << 13

	// compressMinLength is the uncompressed-length threshold below
	// which compression is never attempted.
	compressMinLength = 150
)

// compressible reports whether a Kind is eligible for deflate
// compression of its payload.
func compressible(k Kind) bool {
	return k == KindString || k == KindBinary || k == KindObject
}

// Encode writes the bit-exact cell wire format: total-length (i32 BE),
// flags (i16 BE), then the (possibly compressed) payload.
func Encode(w io.Writer, t TObject) error {
	flags := uint16(t.kind) & flagTypeMask
	if t.null {
		flags |= flagNullBit
		return writeFramed(w, flags, nil)
	}

	payload, err := encodePayload(t)
	if err != nil {
		return err
	}

	if compressible(t.kind) && len(payload) > compressMinLength {
		compressed, ok := deflate(payload)
		if ok && len(compressed) < len(payload) {
			flags |= flagCompressedBit
			body := make([]byte, 4+len(compressed))
			binary.BigEndian.PutUint32(body, uint32(len(payload)))
			copy(body[4:], compressed)
			return writeFramed(w, flags, body)
		}
	}
	return writeFramed(w, flags, payload)
}

func writeFramed(w io.Writer, flags uint16, body []byte) error {
	// total-length covers the flags field plus the body that follows it.
	total := int32(2 + len(body))
	if err := binary.Write(w, binary.BigEndian, total); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, flags); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// Decode reads one cell in the wire format written by Encode.
func Decode(r io.Reader) (TObject, error) {
	var total int32
	if err := binary.Read(r, binary.BigEndian, &total); err != nil {
		return TObject{}, err
	}
	if total < 2 {
		return TObject{}, fmt.Errorf("tobject: invalid cell frame length %d", total)
	}
	var flags uint16
	if err := binary.Read(r, binary.BigEndian, &flags); err != nil {
		return TObject{}, err
	}
	kind := Kind(flags & flagTypeMask)
	body := make([]byte, int(total)-2)
	if len(body) > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return TObject{}, err
		}
	}
	if flags&flagNullBit != 0 {
		return Null(kind), nil
	}
	if flags&flagCompressedBit != 0 {
		if len(body) < 4 {
			return TObject{}, fmt.Errorf("tobject: compressed cell frame too short")
		}
		uncompressedLen := binary.BigEndian.Uint32(body)
		payload, err := inflate(body[4:], int(uncompressedLen))
		if err != nil {
			return TObject{}, err
		}
		body = payload
	}
	return decodePayload(kind, body)
}

func encodePayload(t TObject) ([]byte, error) {
	var buf bytes.Buffer
	switch t.kind {
	case KindBoolean:
		v, _ := t.Bool()
		b := byte(0)
		if v {
			b = 1
		}
		buf.WriteByte(b)
	case KindInt64:
		v, _ := t.Int64()
		binary.Write(&buf, binary.BigEndian, v)
	case KindNumeric:
		state, scale, mag, _ := t.NumericParts()
		buf.WriteByte(byte(state))
		binary.Write(&buf, binary.BigEndian, scale)
		binary.Write(&buf, binary.BigEndian, int32(len(mag)))
		buf.Write(mag)
	case KindString:
		s, _ := t.String()
		units := []rune(s)
		binary.Write(&buf, binary.BigEndian, int32(len(units)))
		for _, u := range units {
			binary.Write(&buf, binary.BigEndian, uint16(u))
		}
	case KindDate:
		ms, _ := t.DateMillis()
		binary.Write(&buf, binary.BigEndian, ms)
	case KindBinary, KindObject:
		ref, _ := t.BlobRef()
		id := make([]byte, 8)
		binary.BigEndian.PutUint64(id, uint64(ref.ID))
		binary.Write(&buf, binary.BigEndian, int32(len(id)))
		buf.Write(id)
	default:
		return nil, fmt.Errorf("tobject: unknown kind %d", t.kind)
	}
	return buf.Bytes(), nil
}

func decodePayload(kind Kind, body []byte) (TObject, error) {
	r := bytes.NewReader(body)
	switch kind {
	case KindBoolean:
		b, err := r.ReadByte()
		if err != nil {
			return TObject{}, err
		}
		return Bool(b != 0), nil
	case KindInt64:
		var v int64
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return TObject{}, err
		}
		return Int64(v), nil
	case KindNumeric:
		state, err := r.ReadByte()
		if err != nil {
			return TObject{}, err
		}
		var scale int16
		if err := binary.Read(r, binary.BigEndian, &scale); err != nil {
			return TObject{}, err
		}
		var length int32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return TObject{}, err
		}
		mag := make([]byte, length)
		if _, err := io.ReadFull(r, mag); err != nil {
			return TObject{}, err
		}
		if NumberState(state) != NumberNone {
			return NumericState(NumberState(state)), nil
		}
		return Numeric(scale, mag), nil
	case KindString:
		var count int32
		if err := binary.Read(r, binary.BigEndian, &count); err != nil {
			return TObject{}, err
		}
		units := make([]rune, count)
		for i := range units {
			var u uint16
			if err := binary.Read(r, binary.BigEndian, &u); err != nil {
				return TObject{}, err
			}
			units[i] = rune(u)
		}
		return Str(string(units)), nil
	case KindDate:
		var ms int64
		if err := binary.Read(r, binary.BigEndian, &ms); err != nil {
			return TObject{}, err
		}
		return Date(ms), nil
	case KindBinary, KindObject:
		var length int32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return TObject{}, err
		}
		idBytes := make([]byte, length)
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return TObject{}, err
		}
		var id int64
		if len(idBytes) >= 8 {
			id = int64(binary.BigEndian.Uint64(idBytes[:8]))
		}
		ref := BlobRef{ID: id}
		if kind == KindObject {
			return Object(ref), nil
		}
		return Binary(ref), nil
	default:
		return TObject{}, fmt.Errorf("tobject: unknown kind %d", kind)
	}
}

func deflate(payload []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, false
	}
	if _, err := w.Write(payload); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func inflate(compressed []byte, expectedLen int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	out := make([]byte, 0, expectedLen)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
