// Package validation содержит функции валидации входных данных.
package validation

import "bytes"

// MaxImageSize ограничивает размер загружаемой фотографии.
const MaxImageSize = 20 << 20 // 20 MiB

var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
)

// IsValidImage проверяет, что данные являются изображением JPEG или PNG
// допустимого размера.
func IsValidImage(data []byte) bool {
	if len(data) == 0 || len(data) > MaxImageSize {
		return false
	}
	return bytes.HasPrefix(data, jpegMagic) || bytes.HasPrefix(data, pngMagic)
}
