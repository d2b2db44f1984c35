// Package token computes partition tokens the way Cassandra's Murmur3
// partitioner does: the first 64 bits of a 128-bit Murmur3 hash of the
// partition key, ordered as signed integers. The bytes hashed here are a
// canonical rendering of the key values rather than the server's wire
// serialization, so tokens reproduce the cluster's scan order without
// matching any live node's token values.
package token

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	gocql "github.com/apache/cassandra-gocql-driver/v2"
	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

// Token positions a partition on the ring. Smaller tokens scan first.
type Token int64

// Of hashes partition key components into a token. Equal Key strings always
// hash to equal tokens.
func Of(components ...any) Token {
	h := murmur3.New128()
	var frame [4]byte
	for _, component := range components {
		part := canonical(component)
		binary.BigEndian.PutUint32(frame[:], uint32(len(part)))
		h.Write(frame[:])
		h.Write(part)
	}
	hi, _ := h.Sum128()
	return Token(int64(hi))
}

// Key renders key components as one length-framed string usable as a map
// key: composite keys cannot collide by concatenation, and values that
// render to the same canonical form (an int32 5 and an int64 5, a zoned and
// a UTC reading of the same instant) share an identity.
func Key(components ...any) string {
	var b strings.Builder
	for _, component := range components {
		part := canonical(component)
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte(':')
		b.Write(part)
	}
	return b.String()
}

// Compare orders two tokens.
func Compare(a, b Token) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// canonical renders one key component deterministically. Numeric widths
// collapse to their decimal form and times normalize to UTC, so the same
// logical key value tokenizes identically no matter which Go type carried
// it through encoding.
func canonical(value any) []byte {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return []byte(v)
	case []byte:
		return v
	case bool:
		if v {
			return []byte("true")
		}
		return []byte("false")
	case int:
		return strconv.AppendInt(nil, int64(v), 10)
	case int8:
		return strconv.AppendInt(nil, int64(v), 10)
	case int16:
		return strconv.AppendInt(nil, int64(v), 10)
	case int32:
		return strconv.AppendInt(nil, int64(v), 10)
	case int64:
		return strconv.AppendInt(nil, v, 10)
	case uint:
		return strconv.AppendUint(nil, uint64(v), 10)
	case uint8:
		return strconv.AppendUint(nil, uint64(v), 10)
	case uint16:
		return strconv.AppendUint(nil, uint64(v), 10)
	case uint32:
		return strconv.AppendUint(nil, uint64(v), 10)
	case uint64:
		return strconv.AppendUint(nil, v, 10)
	case float32:
		return strconv.AppendFloat(nil, float64(v), 'g', -1, 64)
	case float64:
		return strconv.AppendFloat(nil, v, 'g', -1, 64)
	case time.Time:
		return []byte(v.UTC().Format(time.RFC3339Nano))
	case uuid.UUID:
		return []byte(v.String())
	case gocql.UUID:
		return []byte(v.String())
	default:
		return fmt.Appendf(nil, "%v", v)
	}
}
