package IO

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ExportTokenIDsBinary writes the valid token ids of every example to a
// binary data file plus an index:
//
//   - .bin = concatenated int32 token sequences
//   - .idx = int64 (offset, length) per example
//
// It splits into shards <= maxShardBytes and returns the shard count.
func ExportTokenIDsBinary(examples []Example, outPrefix string, maxShardBytes int64) (int, error) {
	if maxShardBytes <= 0 {
		return 0, fmt.Errorf("shard size must be positive, got %d", maxShardBytes)
	}
	if err := ensureParent(outPrefix); err != nil {
		return 0, err
	}
	shard := 0
	var (
		dataF, idxF *os.File
		wData, wIdx *bufio.Writer
		cur         int64
	)
	closeShard := func() error {
		if dataF == nil {
			return nil
		}
		if err := wData.Flush(); err != nil {
			return err
		}
		if err := wIdx.Flush(); err != nil {
			return err
		}
		return errors.Join(dataF.Close(), idxF.Close())
	}
	openShard := func() error {
		if err := closeShard(); err != nil {
			return err
		}
		var err error
		dataF, err = os.Create(ShardPath(outPrefix, shard, "bin"))
		if err != nil {
			return err
		}
		idxF, err = os.Create(ShardPath(outPrefix, shard, "idx"))
		if err != nil {
			return err
		}
		wData = bufio.NewWriter(dataF)
		wIdx = bufio.NewWriter(idxF)
		cur = 0
		return nil
	}
	if err := openShard(); err != nil {
		return 0, err
	}

	buf4 := make([]byte, 4)
	buf8 := make([]byte, 8)
	for _, ex := range examples {
		ids := validIDs(ex)
		if len(ids) == 0 {
			continue
		}
		binary.LittleEndian.PutUint64(buf8, uint64(cur))
		if _, err := wIdx.Write(buf8); err != nil {
			return 0, err
		}
		binary.LittleEndian.PutUint64(buf8, uint64(len(ids)))
		if _, err := wIdx.Write(buf8); err != nil {
			return 0, err
		}
		for _, id := range ids {
			binary.LittleEndian.PutUint32(buf4, uint32(id))
			if _, err := wData.Write(buf4); err != nil {
				return 0, err
			}
		}
		cur += int64(4 * len(ids))

		// rollover if shard too big
		if cur >= maxShardBytes {
			shard++
			if err := openShard(); err != nil {
				return 0, err
			}
		}
	}
	if err := closeShard(); err != nil {
		return 0, err
	}
	if cur == 0 && shard > 0 {
		// the last rollover opened an empty shard
		_ = os.Remove(ShardPath(outPrefix, shard, "bin"))
		_ = os.Remove(ShardPath(outPrefix, shard, "idx"))
		return shard, nil
	}
	return shard + 1, nil
}

func ShardPath(prefix string, shard int, ext string) string {
	return fmt.Sprintf("%s-%03d.%s", prefix, shard, ext)
}

// ReadTokenShard reads back the sequences of one shard.
func ReadTokenShard(prefix string, shard int) ([][]int, error) {
	data, err := os.ReadFile(ShardPath(prefix, shard, "bin"))
	if err != nil {
		return nil, err
	}
	idxF, err := os.Open(ShardPath(prefix, shard, "idx"))
	if err != nil {
		return nil, err
	}
	defer idxF.Close()
	r := bufio.NewReader(idxF)

	var out [][]int
	var entry [2]uint64
	for {
		if err := binary.Read(r, binary.LittleEndian, &entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		off, n := entry[0], entry[1]
		if off+4*n > uint64(len(data)) {
			return nil, fmt.Errorf("shard %d: entry (%d, %d) overruns %d data bytes", shard, off, n, len(data))
		}
		ids := make([]int, n)
		for i := range ids {
			ids[i] = int(int32(binary.LittleEndian.Uint32(data[off+4*uint64(i):])))
		}
		out = append(out, ids)
	}
	return out, nil
}

func validIDs(ex Example) []int {
	ids := make([]int, 0, len(ex.TokenIDs))
	for i, id := range ex.TokenIDs {
		if i < len(ex.Mask) && ex.Mask[i] {
			ids = append(ids, id)
		}
	}
	return ids
}
