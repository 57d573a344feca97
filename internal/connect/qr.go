package connect

import (
	"encoding/base64"

	"github.com/skip2/go-qrcode"
)

// QRCodeDataURL renders content as a 256px PNG data URL
func QRCodeDataURL(content string) (string, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// QRCodeTerminal renders content with half-block characters for a terminal
func QRCodeTerminal(content string) (string, error) {
	q, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return "", err
	}
	return q.ToSmallString(false), nil
}
