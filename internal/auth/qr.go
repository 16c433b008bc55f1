package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"image"
	"image/color"
	"net/http"

	"github.com/makiuchi-d/gozxing"
)

// imageFromBitMatrix renders a gozxing QR bit matrix as a black-on-white
// image.Image, since gozxing itself only produces the matrix, not a
// ready-to-encode image.
func imageFromBitMatrix(m *gozxing.BitMatrix) image.Image {
	w, h := m.GetWidth(), m.GetHeight()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if m.Get(x, y) {
				img.SetGray(x, y, color.Gray{Y: 0})
			} else {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return img
}

func hmacSum(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
