/*
Package tobject implements the tagged-union cell value and its wire
encoding. Every master-table row column holds a TObject; the constraint
engine and row codec operate on it by tag, never by reflecting into an
interface value.

The wire form is a length-prefixed frame: total length (i32 BE), flags
(i16 BE; low 12 bits type code, bit 12 null, bit 13 compressed), then
the payload, deflate-compressed when the type is String/Binary/Object,
the payload exceeds 150 bytes, and compression actually shrinks it.
*/
package tobject
