package tracking

import (
	"net/http"
	"strconv"
)

// pixelGIF is a 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0xff, 0xff, 0xff,
	0x00, 0x00, 0x00, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Pixel returns a copy of the tracking image bytes
func Pixel() []byte {
	return append([]byte(nil), pixelGIF...)
}

// ServeHTTP serves the pixel. The response is always 200 whatever the outcome.
func (p *Processor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.Process(r.Context(), HitFromRequest(r))
	servePixel(w, r)
}

func servePixel(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Content-Type", "image/gif")
	h.Set("Content-Length", strconv.Itoa(len(pixelGIF)))
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(pixelGIF)
	}
}
