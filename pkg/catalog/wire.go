package catalog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/rthomasv3/galdrdb/pkg/index"
)

// Wire format, spanning the catalog page region as one byte stream:
//
//	u32 checksum (CRC32 over the payload)
//	u32 payload length
//	payload:
//	u32 count
//	count * entry:
//	  u8  version
//	  u32 nameLen, name bytes
//	  u32 rootPage (state page id)
//	  i32 nextId snapshot
//	  i64 documentCount snapshot
//	  u32 indexCount
//	  indexCount * indexDef:
//	    u32 nameLen, name bytes
//	    u8  kind, u8 unique, u8 fieldCount
//	    fieldCount * field: u32 nameLen, name bytes, u8 typeTag, u8 sortOrder

// SerializedSize returns the byte length of the catalog's wire form.
func (c *Catalog) SerializedSize() int {
	entries := c.All()
	n := 8 + 4
	for _, e := range entries {
		n += 1 + 4 + len(e.Name) + 4 + 4 + 8 + 4
		for _, def := range e.Indexes {
			n += 4 + len(def.Name) + 3
			for _, f := range def.Fields {
				n += 4 + len(f.Name) + 2
			}
		}
	}
	return n
}

// PagesNeeded returns how many catalog pages the wire form requires.
func (c *Catalog) PagesNeeded(pageSize int) uint32 {
	return uint32((c.SerializedSize() + pageSize - 1) / pageSize)
}

// Serialize returns the catalog's wire form.
func (c *Catalog) Serialize() []byte {
	entries := c.All()
	payload := make([]byte, 0, c.SerializedSize()-8)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(entries)))
	for _, e := range entries {
		payload = append(payload, EntryVersion)
		payload = appendString(payload, e.Name)
		payload = binary.LittleEndian.AppendUint32(payload, e.RootPage)
		payload = binary.LittleEndian.AppendUint32(payload, uint32(e.NextID))
		payload = binary.LittleEndian.AppendUint64(payload, uint64(e.DocumentCount))
		payload = binary.LittleEndian.AppendUint32(payload, uint32(len(e.Indexes)))
		for _, def := range e.Indexes {
			payload = appendString(payload, def.Name)
			payload = append(payload, byte(def.Kind), boolByte(def.Unique), byte(len(def.Fields)))
			for _, f := range def.Fields {
				payload = appendString(payload, f.Name)
				payload = append(payload, byte(f.Type), byte(f.Order))
			}
		}
	}

	out := make([]byte, 8, 8+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(payload)))
	return append(out, payload...)
}

// Render writes the wire form across the catalog region pages. Entries
// may span page boundaries; unused tail bytes are zero.
func (c *Catalog) Render(start, pages uint32, pageSize int, kind uint16, put func(id uint32, kind uint16, data []byte)) {
	data := c.Serialize()
	for i := uint32(0); i < pages; i++ {
		page := make([]byte, pageSize)
		off := int(i) * pageSize
		if off < len(data) {
			copy(page, data[off:])
		}
		put(start+i, kind, page)
	}
}

// Parse loads catalog entries from the concatenated region bytes. A
// zeroed region is an empty catalog; a non-empty region whose payload
// fails its checksum is refused as corrupted.
func Parse(data []byte) (*Catalog, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: short region", ErrCorrupted)
	}
	crc := binary.LittleEndian.Uint32(data[0:4])
	payloadLen := binary.LittleEndian.Uint32(data[4:8])
	if crc == 0 && payloadLen == 0 {
		return New(), nil
	}
	if int(payloadLen) > len(data)-8 {
		return nil, fmt.Errorf("%w: payload length %d exceeds region", ErrCorrupted, payloadLen)
	}
	payload := data[8 : 8+payloadLen]
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}

	c := New()
	r := &reader{data: payload}

	count := r.u32()
	for i := uint32(0); i < count; i++ {
		version := r.u8()
		if version != EntryVersion {
			return nil, fmt.Errorf("%w: entry version %d", ErrCorrupted, version)
		}
		e := &Entry{}
		e.Name = r.str()
		e.RootPage = r.u32()
		e.NextID = int32(r.u32())
		e.DocumentCount = int64(r.u64())
		indexCount := r.u32()
		for j := uint32(0); j < indexCount; j++ {
			def := IndexDef{}
			def.Name = r.str()
			def.Kind = IndexKind(r.u8())
			def.Unique = r.u8() == 1
			fieldCount := int(r.u8())
			for k := 0; k < fieldCount; k++ {
				f := IndexField{}
				f.Name = r.str()
				f.Type = index.Kind(r.u8())
				f.Order = SortOrder(r.u8())
				def.Fields = append(def.Fields, f)
			}
			e.Indexes = append(e.Indexes, def)
		}
		if r.failed {
			return nil, fmt.Errorf("%w: truncated entry %d", ErrCorrupted, i)
		}
		if _, ok := c.entries[e.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate collection %q", ErrCorrupted, e.Name)
		}
		c.entries[e.Name] = e
	}
	if r.failed {
		return nil, fmt.Errorf("%w: truncated catalog", ErrCorrupted)
	}
	return c, nil
}

func appendString(dst []byte, s string) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

type reader struct {
	data   []byte
	pos    int
	failed bool
}

func (r *reader) take(n int) []byte {
	if r.failed || r.pos+n > len(r.data) {
		r.failed = true
		return nil
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *reader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) str() string {
	n := r.u32()
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}
