package core

// ACR122-style PC/SC pseudo-APDUs for MIFARE Classic.
const (
	claPseudo    = 0xFF
	insLoadKey   = 0x82
	insAuth      = 0x86
	insRead      = 0xB0
	insUpdate    = 0xD6
	insGetData   = 0xCA
	authVersion  = 0x01
	swSuccessHi  = 0x90
	swSuccessLo  = 0x00
	BlockSize    = 16
	keyLength    = 6
	authDataSize = 0x05
)

// FF 82 00 [slot] 06 [key]
func loadKeyAPDU(slot byte, key Key) []byte {
	cmd := []byte{claPseudo, insLoadKey, 0x00, slot, keyLength}
	return append(cmd, key[:]...)
}

// FF 86 00 00 05 01 00 [block] [key type] [slot]
func authAPDU(block int, keyType KeyType, slot byte) []byte {
	return []byte{claPseudo, insAuth, 0x00, 0x00, authDataSize, authVersion, 0x00, byte(block), byte(keyType), slot}
}

// FF B0 00 [block] 10
func readAPDU(block int) []byte {
	return []byte{claPseudo, insRead, 0x00, byte(block), BlockSize}
}

// FF D6 00 [block] 10 [16 bytes]
func updateAPDU(block int, data []byte) []byte {
	cmd := []byte{claPseudo, insUpdate, 0x00, byte(block), BlockSize}
	return append(cmd, data...)
}

// FF CA 00 00 00
func getUIDAPDU() []byte {
	return []byte{claPseudo, insGetData, 0x00, 0x00, 0x00}
}

// splitResponse separates response data from the trailing status words.
func splitResponse(rsp []byte) (data []byte, sw1, sw2 byte) {
	if len(rsp) < 2 {
		return nil, 0, 0
	}
	return rsp[:len(rsp)-2], rsp[len(rsp)-2], rsp[len(rsp)-1]
}

func statusOK(sw1, sw2 byte) bool {
	return sw1 == swSuccessHi && sw2 == swSuccessLo
}
