package zeroskip

import (
	"github.com/ajaysusarla/zeroskip/internal/dbfile"
	"github.com/ajaysusarla/zeroskip/internal/record"
)

// writeKeyValue appends a key record (with its value's offset filled
// in) followed immediately by the value record, the pair an Add writes
// to the active file under CRC tracking.
func writeKeyValue(f *dbfile.File, key, value []byte) error {
	keyOff := f.Offset()
	keyBuf := record.EncodeKey(key, false, 0)
	valOff := uint64(keyOff) + uint64(len(keyBuf))
	keyBuf = record.EncodeKey(key, false, valOff)

	if _, err := f.WriteRaw(keyBuf); err != nil {
		return err
	}
	if _, err := f.WriteRaw(record.EncodeValue(value)); err != nil {
		return err
	}
	return nil
}

func recordEncodeDeleted(key []byte) []byte {
	return record.EncodeKey(key, true, 0)
}

func recordEncodeCommit(dataLen int64, dataCRC uint32) []byte {
	return record.EncodeCommit(dataLen, dataCRC, false)
}
