package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version    byte = 1
	kindRecord byte = 1

	hdrLen = 4 + 1 + 1 + 8 + 2
)

var (
	ErrCorrupt = errors.New("livecache: corrupt record")
	ErrKey     = errors.New("livecache: invalid record key")
	magic4     = [...]byte{'L', 'V', 'C', 'E'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Record is one persisted cache entry.
type Record struct {
	Key     string
	SavedAt time.Time
	Payload []byte
}

// Encode frames r as:
//
//	magic(4) | ver(1) | kind(1=record) | savedAt(i64 be, unix ms)
//	keyLen(u16 be) | key(keyLen) | vlen(u32 be) | payload(vlen)
func Encode(r Record) ([]byte, error) {
	if l := len(r.Key); l == 0 || l > 0xFFFF {
		return nil, ErrKey
	}
	var buf bytes.Buffer
	buf.Grow(hdrLen + len(r.Key) + 4 + len(r.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindRecord)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], uint64(r.SavedAt.UnixMilli()))
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(r.Key)))
	buf.Write(u2[:])
	buf.WriteString(r.Key)

	binary.BigEndian.PutUint32(u4[:], uint32(len(r.Payload)))
	buf.Write(u4[:])
	buf.Write(r.Payload)
	return buf.Bytes(), nil
}

// Decode parses a framed record. The payload aliases b.
func Decode(b []byte) (Record, error) {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version || b[5] != kindRecord {
		return Record{}, ErrCorrupt
	}
	off := 6

	savedAt := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	klen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if klen == 0 || klen > len(b)-off {
		return Record{}, ErrCorrupt
	}
	key := string(b[off : off+klen])
	off += klen

	if off+4 > len(b) {
		return Record{}, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	// exact length: trailing bytes mean a torn or foreign write
	if vlen != len(b)-off {
		return Record{}, ErrCorrupt
	}
	return Record{Key: key, SavedAt: time.UnixMilli(savedAt), Payload: b[off:]}, nil
}
