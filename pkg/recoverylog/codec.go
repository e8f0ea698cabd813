// Package recoverylog implements the tagged binary format of the rollback and uninstall logs.
//
// A log starts with a four byte magic and a version byte, followed by records of the form
// (tag, u32 length, payload) and ends with a zero sentinel byte. Readers skip records whose tag
// they do not know by their declared length, so newer writers stay readable by older readers.
package recoverylog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// Version is the format version written after the magic.
const Version byte = 1

// Sentinel terminates every log. It is never a valid record tag.
const Sentinel byte = 0x00

// MaxRecordSize bounds the payload of a single record. Larger declared lengths mark a corrupt log.
const MaxRecordSize = 16 << 20

// Magic identifies a log flavor.
type Magic [4]byte

var (
	// MagicRegistry marks the registry rollback log.
	MagicRegistry = Magic{'D', 'R', 'R', 'G'}
	// MagicFiles marks the file and folder rollback log.
	MagicFiles = Magic{'D', 'R', 'F', 'L'}
	// MagicUninstall marks the persistent uninstall manifest.
	MagicUninstall = Magic{'D', 'R', 'U', 'N'}
)

func (m Magic) String() string {
	return string(m[:])
}

var (
	// ErrBadMagic is returned when the magic or version of a log does not match.
	// A log with a bad header must not be applied at all.
	ErrBadMagic = errors.New("recovery log: bad magic")
	// ErrTruncated is returned when the input ends before the sentinel.
	ErrTruncated = errors.New("recovery log: truncated")
	// ErrRecordTooLarge is returned for payloads that cannot be framed.
	ErrRecordTooLarge = errors.New("recovery log: record too large")
)

// Writer frames records into the log format.
type Writer struct {
	w      *bufio.Writer
	closed bool
}

// NewWriter writes the header for the given magic and returns a Writer.
func NewWriter(w io.Writer, magic Magic) (*Writer, error) {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(magic[:]); err != nil {
		return nil, err
	}
	if err := bw.WriteByte(Version); err != nil {
		return nil, err
	}
	return &Writer{w: bw}, nil
}

// WriteRaw writes a single framed record.
func (w *Writer) WriteRaw(tag byte, payload []byte) error {
	if tag == Sentinel {
		return fmt.Errorf("recovery log: tag %#x is reserved", tag)
	}
	if len(payload) > MaxRecordSize {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(payload))
	}
	var hdr [5]byte
	hdr[0] = tag
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.w.Write(payload)
	return err
}

// WriteRecord encodes and writes a record.
func (w *Writer) WriteRecord(r Record) error {
	var e Encoder
	r.encode(&e)
	return w.WriteRaw(byte(r.Tag()), e.Bytes())
}

// Close writes the sentinel and flushes buffered data. It does not close the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.w.WriteByte(Sentinel); err != nil {
		return err
	}
	return w.w.Flush()
}

// Reader parses the log format.
type Reader struct {
	r *bufio.Reader
}

// NewReader validates the header of the log against magic.
func NewReader(r io.Reader, magic Magic) (*Reader, error) {
	br := bufio.NewReader(r)
	var hdr [5]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrBadMagic, err)
	}
	if Magic(hdr[:4]) != magic {
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrBadMagic, magic, hdr[:4])
	}
	if hdr[4] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadMagic, hdr[4])
	}
	return &Reader{r: br}, nil
}

// NextRaw returns the next framed record. It returns io.EOF once the sentinel is read.
func (r *Reader) NextRaw() (tag byte, payload []byte, err error) {
	tag, err = r.r.ReadByte()
	if err != nil {
		return 0, nil, truncated(err)
	}
	if tag == Sentinel {
		return 0, nil, io.EOF
	}
	var l [4]byte
	if _, err = io.ReadFull(r.r, l[:]); err != nil {
		return 0, nil, truncated(err)
	}
	n := binary.LittleEndian.Uint32(l[:])
	if n > MaxRecordSize {
		return 0, nil, fmt.Errorf("%w: record %#x declares %d bytes", ErrRecordTooLarge, tag, n)
	}
	// the buffer grows with the bytes actually present, not with the declared length
	var buf bytes.Buffer
	if _, err = io.CopyN(&buf, r.r, int64(n)); err != nil {
		return 0, nil, truncated(err)
	}
	return tag, buf.Bytes(), nil
}

// Next returns the next record with a known tag, skipping unknown ones.
func (r *Reader) Next() (Record, error) {
	for {
		tag, payload, err := r.NextRaw()
		if err != nil {
			return nil, err
		}
		decode, ok := decoders[Tag(tag)]
		if !ok {
			log.WithField("tag", tag).Debugf("skipping unknown recovery log record of %d bytes", len(payload))
			continue
		}
		d := NewDecoder(payload)
		rec, err := decode(d)
		if err == nil {
			err = d.Err()
		}
		if err != nil {
			return nil, fmt.Errorf("recovery log: decoding %s record: %w", Tag(tag), err)
		}
		return rec, nil
	}
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}

// Encode writes a complete log containing records.
func Encode(w io.Writer, magic Magic, records []Record) error {
	lw, err := NewWriter(w, magic)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := lw.WriteRecord(rec); err != nil {
			return err
		}
	}
	return lw.Close()
}

// Decode reads a complete log. Any error means the log must not be applied.
func Decode(r io.Reader, magic Magic) ([]Record, error) {
	lr, err := NewReader(r, magic)
	if err != nil {
		return nil, err
	}
	var records []Record
	for {
		rec, err := lr.Next()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}

// Encoder builds record payloads.
type Encoder struct {
	buf []byte
}

// PutUvarint appends an unsigned varint.
func (e *Encoder) PutUvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

// PutBytes appends a length-prefixed byte slice.
func (e *Encoder) PutBytes(b []byte) {
	e.PutUvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// PutString appends a length-prefixed string.
func (e *Encoder) PutString(s string) {
	e.PutUvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// Bytes returns the encoded payload.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Decoder reads record payloads. The first error sticks and is reported by Err.
type Decoder struct {
	buf []byte
	err error
}

// NewDecoder returns a Decoder over payload.
func NewDecoder(payload []byte) *Decoder {
	return &Decoder{buf: payload}
}

var errShortPayload = errors.New("short payload")

// ReadUvarint reads an unsigned varint.
func (d *Decoder) ReadUvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = errShortPayload
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

// ReadBytes reads a length-prefixed byte slice.
func (d *Decoder) ReadBytes() []byte {
	n := d.ReadUvarint()
	if d.err != nil {
		return nil
	}
	if uint64(len(d.buf)) < n {
		d.err = errShortPayload
		return nil
	}
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.buf[:n])
	d.buf = d.buf[n:]
	return out
}

// ReadString reads a length-prefixed string.
func (d *Decoder) ReadString() string {
	return string(d.ReadBytes())
}

// Err returns the first decoding error.
func (d *Decoder) Err() error {
	return d.err
}
