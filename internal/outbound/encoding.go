package outbound

import (
	"net/http"
	"strings"
	"unicode/utf8"
)

// headerEncoder re-encodes one outbound header value.
type headerEncoder func(string) string

// encoderFor returns the encoder for a request_header_encoding setting.
// "" and "utf-8" pass values through; "latin-1" re-encodes code points
// U+0000..U+00FF as single bytes, replacing anything above with '?'.
func encoderFor(encoding string) headerEncoder {
	if encoding != "latin-1" {
		return nil
	}
	return encodeLatin1
}

// encodeLatin1 is idempotent: bytes that do not form a valid UTF-8 sequence
// are already raw latin-1 and pass through unchanged, so a request re-sent
// through the same client (retries) is not encoded twice.
func encodeLatin1(v string) string {
	ascii := true
	for i := 0; i < len(v); i++ {
		if v[i] >= utf8.RuneSelf {
			ascii = false
			break
		}
	}
	if ascii {
		return v
	}

	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); {
		if c := v[i]; c < utf8.RuneSelf {
			b.WriteByte(c)
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(v[i:])
		if r == utf8.RuneError && size == 1 {
			// Raw latin-1 byte from a previous pass.
			b.WriteByte(v[i])
			i++
			continue
		}
		if r <= 0xFF {
			b.WriteByte(byte(r))
		} else {
			b.WriteByte('?')
		}
		i += size
	}
	return b.String()
}

func encodeHeader(h http.Header, enc headerEncoder) {
	for k, vv := range h {
		for i, v := range vv {
			vv[i] = enc(v)
		}
		h[k] = vv
	}
}
