package zeroskip

import (
	"bytes"
	"hash/crc32"

	"github.com/ajaysusarla/zeroskip/internal/dbfile"
	"github.com/ajaysusarla/zeroskip/internal/index"
	"github.com/ajaysusarla/zeroskip/internal/record"
)

// replay walks buf's record stream from the header forward, applying
// each commit's span of key/delete/value records to idx and returning
// the offset of the last good commit. Records past the last good
// commit (an unfinished span, or a commit whose bytes don't match what
// its declared length and CRC would produce) are left undiscovered by
// design: the caller truncates the file down to goodOffset, which is
// what discards them (spec.md §4.7, replay tolerance).
func replay(buf []byte, idx *index.SkipList) (goodOffset int64) {
	pos := int64(dbfile.HeaderSize)
	goodOffset = pos
	spanStart := pos
	var pending []index.Entry

outer:
	for int(pos) < len(buf) {
		kind, err := record.PeekKind(buf[pos:])
		if err != nil {
			break
		}

		base := kind &^ record.Long
		switch {
		case base == record.Key || base == record.Deleted:
			kr, n, err := record.DecodeKey(buf[pos:])
			if err != nil {
				break outer
			}
			pos += int64(n)

			var val []byte
			if !kr.IsDeleted() {
				v, vn, err := record.DecodeValue(buf[pos:])
				if err != nil {
					break outer
				}
				val = v
				pos += int64(vn)
			}
			pending = append(pending, index.Entry{
				Key:   append([]byte(nil), kr.Key...),
				Value: index.Value{Data: val, Deleted: kr.IsDeleted()},
			})

		case kind == record.Commit || kind == record.LongCommit:
			dataLen := pos - spanStart
			dataCRC := crc32.ChecksumIEEE(buf[spanStart:pos])
			want := record.EncodeCommit(dataLen, dataCRC, false)
			end := int(pos) + len(want)
			if end > len(buf) || !bytes.Equal(buf[pos:end], want) {
				break outer
			}

			for _, e := range pending {
				idx.Replace(e.Key, e.Value)
			}
			pending = pending[:0]

			pos += int64(len(want))
			goodOffset = pos
			spanStart = pos

		default:
			break outer
		}
	}

	return goodOffset
}
