// Package snapshot exports collections to object storage and restores
// them.
//
// A snapshot file is laid out as
//
//	"CDBS" | format version (1 byte) | uvarint header length | header JSON
//	frame*
//	0x00000000 | uint64 record count
//
// where every frame is
//
//	uint32 compressed length | uint32 CRC-32 of the raw frame | uint32 records
//	snappy(entry*)
//
// and every entry is the record id (8 bytes big endian), a uvarint length
// and the record's codec bytes. All integers are big endian.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/golang/snappy"

	cerrors "github.com/cachedb/cachedb/internal/errors"
	"github.com/cachedb/cachedb/pkg/types"
)

const (
	magic         = "CDBS"
	formatVersion = 1

	// frameRecords is how many entries a frame holds before it is flushed.
	frameRecords = 512

	maxHeaderSize = 1 << 20
	maxFrameSize  = 256 << 20
)

// Header describes the collection a snapshot was taken from.
type Header struct {
	Schema    *types.Schema `json:"schema"`
	CreatedAt time.Time     `json:"created_at"`
}

func corrupt(format string, args ...interface{}) error {
	return cerrors.NewStorageError(cerrors.CodeSnapshotFailed, "corrupt snapshot: "+fmt.Sprintf(format, args...), nil)
}

// Writer writes a snapshot stream.
type Writer struct {
	w     *bufio.Writer
	frame []byte
	n     int
	total uint64
}

// NewWriter writes the file header to w.
func NewWriter(w io.Writer, h Header) (*Writer, error) {
	meta, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot header: %w", err)
	}

	bw := bufio.NewWriter(w)
	head := make([]byte, 0, len(magic)+1+binary.MaxVarintLen64+len(meta))
	head = append(head, magic...)
	head = append(head, formatVersion)
	head = binary.AppendUvarint(head, uint64(len(meta)))
	head = append(head, meta...)
	if _, err := bw.Write(head); err != nil {
		return nil, err
	}
	return &Writer{w: bw}, nil
}

// Append adds one record. data is copied.
func (w *Writer) Append(id int64, data []byte) error {
	w.frame = binary.BigEndian.AppendUint64(w.frame, uint64(id))
	w.frame = binary.AppendUvarint(w.frame, uint64(len(data)))
	w.frame = append(w.frame, data...)
	w.n++
	w.total++
	if w.n >= frameRecords {
		return w.flushFrame()
	}
	return nil
}

func (w *Writer) flushFrame() error {
	if w.n == 0 {
		return nil
	}
	compressed := snappy.Encode(nil, w.frame)

	var hdr [12]byte
	binary.BigEndian.PutUint32(hdr[0:], uint32(len(compressed)))
	binary.BigEndian.PutUint32(hdr[4:], crc32.ChecksumIEEE(w.frame))
	binary.BigEndian.PutUint32(hdr[8:], uint32(w.n))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(compressed); err != nil {
		return err
	}
	w.frame = w.frame[:0]
	w.n = 0
	return nil
}

// Records returns the number of records appended so far.
func (w *Writer) Records() int64 { return int64(w.total) }

// Close flushes the last frame and writes the trailer. It does not close
// the underlying writer.
func (w *Writer) Close() error {
	if err := w.flushFrame(); err != nil {
		return err
	}
	var trailer [12]byte
	binary.BigEndian.PutUint64(trailer[4:], w.total)
	if _, err := w.w.Write(trailer[:]); err != nil {
		return err
	}
	return w.w.Flush()
}

// Reader reads a snapshot stream.
type Reader struct {
	r       *bufio.Reader
	header  Header
	frame   []byte
	pending uint32
	total   uint64
	done    bool
}

// NewReader reads and checks the file header.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)

	var head [len(magic) + 1]byte
	if _, err := io.ReadFull(br, head[:]); err != nil {
		return nil, corrupt("short header: %v", err)
	}
	if string(head[:len(magic)]) != magic {
		return nil, corrupt("bad magic %q", head[:len(magic)])
	}
	if head[len(magic)] != formatVersion {
		return nil, corrupt("unsupported format version %d", head[len(magic)])
	}

	size, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, corrupt("header length: %v", err)
	}
	if size > maxHeaderSize {
		return nil, corrupt("header of %d bytes", size)
	}
	meta := make([]byte, size)
	if _, err := io.ReadFull(br, meta); err != nil {
		return nil, corrupt("short header: %v", err)
	}

	sr := &Reader{r: br}
	if err := json.Unmarshal(meta, &sr.header); err != nil {
		return nil, corrupt("header: %v", err)
	}
	if sr.header.Schema == nil {
		return nil, corrupt("header has no schema")
	}
	return sr, nil
}

// Header returns the file header.
func (r *Reader) Header() Header { return r.header }

// Next returns the next record. At the end of a well-formed stream it
// returns io.EOF. data is valid until the following call.
func (r *Reader) Next() (int64, []byte, error) {
	for len(r.frame) == 0 {
		if r.done {
			return 0, nil, io.EOF
		}
		if r.pending != 0 {
			return 0, nil, corrupt("frame ended %d records early", r.pending)
		}
		if err := r.readFrame(); err != nil {
			return 0, nil, err
		}
	}

	if len(r.frame) < 8 {
		return 0, nil, corrupt("truncated entry")
	}
	id := int64(binary.BigEndian.Uint64(r.frame))
	size, n := binary.Uvarint(r.frame[8:])
	if n <= 0 || uint64(len(r.frame)-8-n) < size {
		return 0, nil, corrupt("truncated entry for id %d", id)
	}
	start := 8 + n
	data := r.frame[start : start+int(size)]
	r.frame = r.frame[start+int(size):]
	if r.pending == 0 {
		return 0, nil, corrupt("frame holds more records than announced")
	}
	r.pending--
	r.total++
	return id, data, nil
}

func (r *Reader) readFrame() error {
	var size [4]byte
	if _, err := io.ReadFull(r.r, size[:]); err != nil {
		return corrupt("missing trailer: %v", err)
	}
	length := binary.BigEndian.Uint32(size[:])

	if length == 0 {
		var count [8]byte
		if _, err := io.ReadFull(r.r, count[:]); err != nil {
			return corrupt("short trailer: %v", err)
		}
		if want := binary.BigEndian.Uint64(count[:]); want != r.total {
			return corrupt("trailer counts %d records, read %d", want, r.total)
		}
		r.done = true
		return nil
	}
	if length > maxFrameSize {
		return corrupt("frame of %d bytes", length)
	}

	var meta [8]byte
	if _, err := io.ReadFull(r.r, meta[:]); err != nil {
		return corrupt("short frame header: %v", err)
	}
	compressed := make([]byte, length)
	if _, err := io.ReadFull(r.r, compressed); err != nil {
		return corrupt("short frame: %v", err)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return corrupt("frame decompress failed: %v", err)
	}
	if crc := crc32.ChecksumIEEE(raw); crc != binary.BigEndian.Uint32(meta[0:]) {
		return corrupt("frame checksum mismatch")
	}
	r.frame = raw
	r.pending = binary.BigEndian.Uint32(meta[4:])
	return nil
}
