//go:build !linux && !windows

package tray

// iconData is a 16x16 PNG battery glyph.
var iconData = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x10,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0xf3, 0xff, 0x61, 0x00, 0x00, 0x00,
	0x31, 0x49, 0x44, 0x41, 0x54, 0x78, 0xda, 0x63, 0x60, 0x18, 0x05, 0x70,
	0xa0, 0xa1, 0xa1, 0xf1, 0x9f, 0x58, 0x8c, 0xd3, 0x80, 0x0f, 0x1f, 0x3e,
	0x10, 0xc4, 0x04, 0x0d, 0xd0, 0x5b, 0x15, 0x80, 0x81, 0xd1, 0x0d, 0xc0,
	0xea, 0x92, 0x61, 0x64, 0x00, 0x45, 0x81, 0x48, 0x51, 0x34, 0x8e, 0x60,
	0x00, 0x00, 0x62, 0x75, 0xea, 0x11, 0xd3, 0x3b, 0x00, 0x97, 0x00, 0x00,
	0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}
