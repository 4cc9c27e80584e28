package checksum

// TCPIPChecksum computes the rfc1071 internet checksum of data on top of
// baseCSum, a partial sum that was already computed. The result is in host
// order.
func TCPIPChecksum(data []byte, baseCSum uint32) uint16 {
	length := len(data)
	for i := 0; i < length>>1; i++ {
		baseCSum += uint32(data[i*2])<<8 + uint32(data[i*2+1])
	}
	// odd length, the last byte is padded with a zero
	if length&0x01 == 0x01 {
		baseCSum += uint32(data[length-1]) << 8
	}
	for baseCSum > 0xffff {
		baseCSum = (baseCSum >> 16) + (baseCSum & 0xffff)
	}
	return ^uint16(baseCSum)
}

// Valid reports whether data, checksum field included, sums up to zero.
func Valid(data []byte) bool {
	return TCPIPChecksum(data, 0) == 0
}
