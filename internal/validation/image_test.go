package validation

import "testing"

func TestIsValidImage(t *testing.T) {
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00}

	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{name: "jpeg", data: jpeg, want: true},
		{name: "png", data: png, want: true},
		{name: "empty", data: nil, want: false},
		{name: "text", data: []byte("not an image"), want: false},
		{name: "truncated magic", data: []byte{0xFF, 0xD8}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidImage(tt.data); got != tt.want {
				t.Errorf("IsValidImage(%s) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestIsValidImage_TooLarge(t *testing.T) {
	data := make([]byte, MaxImageSize+1)
	copy(data, []byte{0xFF, 0xD8, 0xFF})

	if IsValidImage(data) {
		t.Errorf("oversized image accepted")
	}
}
