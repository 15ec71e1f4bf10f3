package payment

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const qrSize = 512

// RenderQR рисует PNG с QR-кодом для строки QRIS.
func RenderQR(content string) ([]byte, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	return png, nil
}
