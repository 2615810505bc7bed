package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"
)

// decompressReader wraps a reader with the appropriate decompressor.
// Handles gzip, deflate, and brotli (br) encodings. Both transports disable
// automatic decompression so this path always runs.
func decompressReader(resp *http.Response, reader io.Reader) (io.Reader, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		return gzip.NewReader(reader)
	case "deflate":
		return flate.NewReader(reader), nil
	case "br":
		return brotli.NewReader(reader), nil
	default:
		return reader, nil
	}
}

// decodeBody converts raw body bytes to text. The charset comes from the
// Content-Type header, falling back to content sniffing and finally UTF-8.
// Invalid sequences are replaced, never fatal.
func decodeBody(raw []byte, contentType string) string {
	reader, err := charset.NewReader(strings.NewReader(string(raw)), contentType)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "�")
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "�")
	}
	return strings.ToValidUTF8(string(decoded), "�")
}

// stripNulBytes removes NUL characters that trip the HTML parsers.
func stripNulBytes(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}
