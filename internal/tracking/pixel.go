package tracking

import (
	"net/url"
	"strings"
)

// pixel is a 1x1 transparent GIF.
var pixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0xff, 0xff,
	0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00,
	0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00,
	0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Pixel returns a copy of the tracking GIF.
func Pixel() []byte {
	return append([]byte(nil), pixel...)
}

func PixelURL(base, campaignID, emailID string) string {
	return strings.TrimRight(base, "/") + "/t/open/" + url.PathEscape(campaignID) + "/" + url.PathEscape(emailID) + ".gif"
}

// InjectPixel places the tracking image before </body> when the body is an
// HTML document, otherwise at the end.
func InjectPixel(body, pixelURL string) string {
	tag := `<img src="` + pixelURL + `" width="1" height="1" alt="" style="display:none" />`
	if i := strings.LastIndex(strings.ToLower(body), "</body>"); i >= 0 {
		return body[:i] + tag + body[i:]
	}
	return body + "\n" + tag
}
