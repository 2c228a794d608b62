package audio

// G.711 table-driven codecs. RTP legs carry PCMU/PCMA; everything downstream
// of the edge is 16-bit linear, so decode happens once per received packet and
// encode once per sent packet. Legacy ASP sessions that negotiated mulaw/alaw
// framing reuse the same tables.

// ulawToLinear maps each u-law byte to a 16-bit linear PCM sample.
var ulawToLinear [256]int16

// alawToLinear maps each a-law byte to a 16-bit linear PCM sample.
var alawToLinear [256]int16

// linearToUlaw maps a 16-bit signed sample (as uint16 index) to a u-law byte.
var linearToUlaw [65536]uint8

// linearToAlaw maps a 16-bit signed sample (as uint16 index) to an a-law byte.
var linearToAlaw [65536]uint8

func init() {
	for i := 0; i < 256; i++ {
		ulawToLinear[i] = decodeUlaw(uint8(i))
		alawToLinear[i] = decodeAlaw(uint8(i))
	}
	for i := -32768; i <= 32767; i++ {
		linearToUlaw[uint16(int16(i))] = encodeUlaw(int16(i))
		linearToAlaw[uint16(int16(i))] = encodeAlaw(int16(i))
	}
}

// decodeUlaw converts a u-law byte to a 16-bit linear PCM sample.
func decodeUlaw(u uint8) int16 {
	u = ^u
	sign := u & 0x80
	exponent := uint(u>>4) & 0x07
	mantissa := int32(u & 0x0F)

	sample := ((mantissa<<3 + 0x84) << exponent) - 0x84
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// encodeUlaw converts a 16-bit linear PCM sample to a u-law byte.
func encodeUlaw(sample int16) uint8 {
	const (
		bias = 0x84
		clip = 32635
	)

	sign := uint8(0)
	s := int32(sample)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > clip {
		s = clip
	}
	s += bias

	exponent := uint(7)
	for mask := int32(0x4000); exponent > 0 && s&mask == 0; exponent-- {
		mask >>= 1
	}

	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^(sign | uint8(exponent<<4) | uint8(mantissa))
}

// decodeAlaw converts an a-law byte to a 16-bit linear PCM sample.
func decodeAlaw(a uint8) int16 {
	a ^= 0x55
	positive := a&0x80 != 0
	exponent := uint(a>>4) & 0x07
	mantissa := int32(a & 0x0F)

	var magnitude int32
	switch exponent {
	case 0:
		magnitude = mantissa<<4 + 8
	default:
		magnitude = (mantissa<<4 + 0x108) << (exponent - 1)
	}
	// A-law works in a 13-bit domain; scale to 16 bits.
	magnitude <<= 3

	if positive {
		return int16(magnitude)
	}
	return int16(-magnitude)
}

// encodeAlaw converts a 16-bit linear PCM sample to an a-law byte.
func encodeAlaw(sample int16) uint8 {
	mask := uint8(0xD5)
	s := int32(sample) >> 3 // 13-bit domain
	if s < 0 {
		mask = 0x55
		s = -s - 1
	}

	exponent := uint(0)
	for limit := int32(0x20); exponent < 7 && s >= limit; exponent++ {
		limit <<= 1
	}

	var mantissa int32
	if exponent == 0 {
		mantissa = (s >> 1) & 0x0F
	} else {
		mantissa = (s >> exponent) & 0x0F
	}
	return uint8(exponent<<4|uint(mantissa)) ^ mask
}

// DecodeUlaw expands a G.711 u-law payload to 16-bit little-endian PCM.
func DecodeUlaw(payload []byte) []byte {
	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		s := ulawToLinear[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// DecodeAlaw expands a G.711 a-law payload to 16-bit little-endian PCM.
func DecodeAlaw(payload []byte) []byte {
	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		s := alawToLinear[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeUlaw compresses 16-bit little-endian PCM to a G.711 u-law payload.
func EncodeUlaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8
		out[i] = linearToUlaw[s]
	}
	return out
}

// EncodeAlaw compresses 16-bit little-endian PCM to a G.711 a-law payload.
func EncodeAlaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8
		out[i] = linearToAlaw[s]
	}
	return out
}
