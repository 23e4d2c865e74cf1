package whatsapp

import (
	"encoding/base64"

	"github.com/skip2/go-qrcode"
)

// RenderQR encodes a pairing code as a PNG data URL that can be used directly as an image source.
func RenderQR(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.High, 256)
	if err != nil {
		return "", err
	}

	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
