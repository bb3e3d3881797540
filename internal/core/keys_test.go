package core

import "testing"

func TestParseKey(t *testing.T) {
	tests := []struct {
		in      string
		want    Key
		wantErr bool
	}{
		{"D3F7D3F7D3F7", NDEFKey, false},
		{"ff ff ff ff ff ff", FactoryKey, false},
		{"D3:F7:D3:F7:D3:F7", NDEFKey, false},
		{"D3F7D3F7", Key{}, true},
		{"ZZF7D3F7D3F7", Key{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKey(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKey(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseKey(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestKeyString(t *testing.T) {
	if got := NDEFKey.String(); got != "D3F7D3F7D3F7" {
		t.Errorf("NDEFKey.String() = %q", got)
	}
	if got := KeyB.String(); got != "B" {
		t.Errorf("KeyB.String() = %q", got)
	}
}

func TestAPDUEncoding(t *testing.T) {
	tests := []struct {
		name string
		got  []byte
		want string
	}{
		{"load key", loadKeyAPDU(1, FactoryKey), "FF82000106FFFFFFFFFFFF"},
		{"auth", authAPDU(8, KeyB, 1), "FF860000050100086101"},
		{"read", readAPDU(4), "FFB0000410"},
		{"update", updateAPDU(5, make([]byte, BlockSize)), "FFD6000510" + "00000000000000000000000000000000"},
		{"uid", getUIDAPDU(), "FFCA000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hexUpper(tt.got); got != tt.want {
				t.Errorf("%s = %s, want %s", tt.name, got, tt.want)
			}
		})
	}
}

func hexUpper(b []byte) string {
	const digits = "0123456789ABCDEF"
	out := make([]byte, 0, len(b)*2)
	for _, c := range b {
		out = append(out, digits[c>>4], digits[c&0x0F])
	}
	return string(out)
}
