package signature

import (
	"errors"
	"fmt"
)

const (
	scalarSize = 32
	// CompactSize is the r||s encoding length.
	CompactSize = 2 * scalarSize

	derSequenceTag = 0x30
	derIntegerTag  = 0x02
	// maxDERComponent allows a 32-byte scalar plus one sign-padding zero.
	maxDERComponent = scalarSize + 1
	minDERLength    = 8
	maxDERLength    = 2 + 2*(2+maxDERComponent)
)

var errMalformedDER = errors.New("signature: malformed DER")

// DecodeDER converts a DER ECDSA signature into the 64-byte big-endian
// r||s form. Every length and tag is checked against the buffer before use.
func DecodeDER(der []byte) ([]byte, error) {
	if len(der) < minDERLength || len(der) > maxDERLength {
		return nil, fmt.Errorf("%w: length %d", errMalformedDER, len(der))
	}
	if der[0] != derSequenceTag {
		return nil, fmt.Errorf("%w: missing sequence tag", errMalformedDER)
	}
	// Signatures are short enough that only the short length form is valid.
	if der[1]&0x80 != 0 || int(der[1]) != len(der)-2 {
		return nil, fmt.Errorf("%w: sequence length mismatch", errMalformedDER)
	}

	out := make([]byte, CompactSize)
	offset := 2
	for i := 0; i < 2; i++ {
		component, next, err := readInteger(der, offset)
		if err != nil {
			return nil, err
		}
		copy(out[i*scalarSize+scalarSize-len(component):], component)
		offset = next
	}
	if offset != len(der) {
		return nil, fmt.Errorf("%w: trailing bytes", errMalformedDER)
	}

	return out, nil
}

// readInteger reads one DER INTEGER starting at offset and returns its
// unsigned big-endian value with at most one leading zero stripped.
func readInteger(der []byte, offset int) ([]byte, int, error) {
	if offset+2 > len(der) {
		return nil, 0, fmt.Errorf("%w: truncated integer header", errMalformedDER)
	}
	if der[offset] != derIntegerTag {
		return nil, 0, fmt.Errorf("%w: missing integer tag", errMalformedDER)
	}
	length := int(der[offset+1])
	if length == 0 || length > maxDERComponent {
		return nil, 0, fmt.Errorf("%w: integer length %d", errMalformedDER, length)
	}
	start := offset + 2
	end := start + length
	if end > len(der) {
		return nil, 0, fmt.Errorf("%w: truncated integer", errMalformedDER)
	}

	value := der[start:end]
	if len(value) > 1 && value[0] == 0x00 {
		value = value[1:]
	}
	if len(value) > scalarSize {
		return nil, 0, fmt.Errorf("%w: integer exceeds %d bytes", errMalformedDER, scalarSize)
	}

	return value, end, nil
}

// EncodeDER converts a 64-byte r||s signature into minimal DER.
func EncodeDER(compact []byte) ([]byte, error) {
	if len(compact) != CompactSize {
		return nil, fmt.Errorf("signature: compact signature must be %d bytes, got %d", CompactSize, len(compact))
	}

	r := encodeInteger(compact[:scalarSize])
	s := encodeInteger(compact[scalarSize:])

	der := make([]byte, 0, 2+len(r)+len(s))
	der = append(der, derSequenceTag, byte(len(r)+len(s)))
	der = append(der, r...)
	der = append(der, s...)
	return der, nil
}

func encodeInteger(scalar []byte) []byte {
	i := 0
	for i < len(scalar)-1 && scalar[i] == 0 {
		i++
	}
	value := scalar[i:]

	out := []byte{derIntegerTag, 0}
	if value[0]&0x80 != 0 {
		out = append(out, 0x00)
	}
	out = append(out, value...)
	out[1] = byte(len(out) - 2)
	return out
}
