package storage

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// maxQueryParams keeps multi-row statements under the postgres protocol
// limit of 65535 bind parameters.
const maxQueryParams = 60000

// rowsPerChunk returns how many rows of cols parameters fit in one
// statement.
func rowsPerChunk(cols int) int {
	n := maxQueryParams / cols
	if n < 1 {
		n = 1
	}
	return n
}

// valuesClause renders "($1,$2),($3,$4),..." for rows rows of cols columns.
func valuesClause(cols, rows int) string {
	var b strings.Builder
	arg := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteByte(',')
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(arg))
			arg++
		}
		b.WriteByte(')')
	}
	return b.String()
}

// typedValuesClause renders "($1::bytea,$2::bigint),..." casting each column
// so the VALUES list types check inside INSERT ... SELECT.
func typedValuesClause(types []string, rows int) string {
	var b strings.Builder
	arg := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for c, typ := range types {
			if c > 0 {
				b.WriteByte(',')
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(arg))
			b.WriteString("::")
			b.WriteString(typ)
			arg++
		}
		b.WriteByte(')')
	}
	return b.String()
}

// valuesColumnRefs rewrites a column list so each column is selected off the
// VALUES alias: "hash, nonce" becomes "v.hash, v.nonce".
func valuesColumnRefs(columnList string) string {
	fields := strings.FieldsFunc(columnList, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	refs := make([]string, len(fields))
	for i, f := range fields {
		refs[i] = "v." + f
	}
	return strings.Join(refs, ", ")
}

// numeric renders a big integer for a numeric column; nil stays NULL.
func numeric(v *big.Int) interface{} {
	if v == nil {
		return nil
	}
	return v.String()
}

func hashBytes(h common.Hash) []byte { return h.Bytes() }

func hashPtrBytes(h *common.Hash) interface{} {
	if h == nil {
		return nil
	}
	return h.Bytes()
}

func addrBytes(a common.Address) []byte { return a.Bytes() }

func addrPtrBytes(a *common.Address) interface{} {
	if a == nil {
		return nil
	}
	return a.Bytes()
}

func hashesToBytea(hashes []common.Hash) [][]byte {
	out := make([][]byte, len(hashes))
	for i, h := range hashes {
		out[i] = h.Bytes()
	}
	return out
}

func addressesToBytea(addrs []common.Address) [][]byte {
	out := make([][]byte, len(addrs))
	for i, a := range addrs {
		out[i] = a.Bytes()
	}
	return out
}

func uint64sToInt64s(in []uint64) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

// topicColumns spreads up to four topics over the fixed topic columns.
func topicColumns(topics []common.Hash) [4]interface{} {
	var out [4]interface{}
	for i := 0; i < len(topics) && i < 4; i++ {
		out[i] = topics[i].Bytes()
	}
	return out
}

// traceAddressToInt32s converts a trace path for an int[] column.
func traceAddressToInt32s(in []uint32) []int32 {
	if in == nil {
		return []int32{}
	}
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}
