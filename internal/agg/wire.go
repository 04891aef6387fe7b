package agg

import (
	"encoding/binary"
	"math"
)

// EncodeBatch serialises a Batch to the wire format from spec §6.2.
func EncodeBatch(attrID uint32, nGBCols, nAggResults int, b Batch) []byte {
	var words []uint32
	words = append(words, attrID<<16|programMagic)
	words = append(words, uint32(nGBCols)<<16|uint32(nAggResults))
	words = append(words, uint32(len(b.Items)))

	for _, item := range b.Items {
		gbBytes := paddedLen(len(item.GroupKey))
		aggBytes := nAggResults * aggResItemWireSize
		words = append(words, uint32(gbBytes)<<16|uint32(aggBytes))

		gbWords := make([]byte, gbBytes)
		copy(gbWords, item.GroupKey)
		words = append(words, bytesToWords(gbWords)...)

		for _, it := range item.Results {
			words = append(words, encodeResultItem(it)...)
		}
	}
	return wordsToBytes(words)
}

func encodeResultItem(it AggResItem) []uint32 {
	var valHi, valLo uint32
	switch it.Type {
	case TypeInt64:
		valHi, valLo = uint32(it.I64>>32), uint32(it.I64)
	case TypeUint64:
		valHi, valLo = uint32(it.U64>>32), uint32(it.U64)
	case TypeDouble:
		bits := math.Float64bits(it.F64)
		valHi, valLo = uint32(bits>>32), uint32(bits)
	}
	isNull := uint32(0)
	if it.IsNull {
		isNull = 1
	}
	isUnsigned := uint32(0)
	if it.Type == TypeUint64 {
		isUnsigned = 1
	}
	return []uint32{uint32(it.Type), valHi, valLo, isUnsigned<<8 | isNull}
}

func paddedLen(n int) int {
	return (n + 3) &^ 3
}

func bytesToWords(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}

func wordsToBytes(words []uint32) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}
