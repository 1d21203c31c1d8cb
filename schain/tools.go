package schain

import (
	"bytes"
	"math/rand"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
)

// encode encodes the data into bytes.
// Data can be of any type.
func encode(data interface{}) ([]byte, error) {
	buf := bytes.Buffer{}
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode decodes bytes into the data.
// Data should be passed in the format of a pointer to a type.
func decode(s []byte, data interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(s), &codec.MsgpackHandle{})
	return dec.Decode(data)
}

// generateTX generates a transaction with s bytes.
func generateTX(s int) []byte {
	trans := make([]byte, s)
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < s; i++ {
		trans[i] = byte(r.Intn(200))
	}
	return trans
}

// RandomTxSource builds batches of random transactions, the way the engine is
// exercised in tests and benchmarks.
type RandomTxSource struct {
	BatchSize int
	TxSize    int
}

// GetTransactions implements TxSource.
func (r *RandomTxSource) GetTransactions(uint64) [][]byte {
	size := r.TxSize
	if size == 0 {
		size = 250
	}
	batch := make([][]byte, 0, r.BatchSize)
	for i := 0; i < r.BatchSize; i++ {
		batch = append(batch, generateTX(size))
	}
	return batch
}
