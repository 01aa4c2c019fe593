package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime/quotedprintable"
	"strings"

	htmlcharset "golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// DecodeTransfer removes a Content-Transfer-Encoding. 7bit, 8bit, binary
// and unknown encodings pass through unchanged; unknown ones also return an
// error so callers can log them.
func DecodeTransfer(cte string, raw []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "base64":
		compact := bytes.Map(func(r rune) rune {
			switch r {
			case ' ', '\t', '\r', '\n':
				return -1
			}
			return r
		}, raw)
		out := make([]byte, base64.StdEncoding.DecodedLen(len(compact)))
		n, err := base64.StdEncoding.Decode(out, compact)
		if err != nil {
			return out[:n], fmt.Errorf("base64: %w", err)
		}
		return out[:n], nil
	case "quoted-printable":
		out, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return out, fmt.Errorf("quoted-printable: %w", err)
		}
		return out, nil
	case "", "7bit", "8bit", "binary":
		return raw, nil
	default:
		return raw, fmt.Errorf("unknown transfer encoding %q", cte)
	}
}

// EncodeTransfer applies a Content-Transfer-Encoding the way mail clients
// emit it: base64 wrapped at 76 columns with CRLF, quoted-printable via the
// standard writer.
func EncodeTransfer(cte string, data []byte) []byte {
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "base64":
		enc := base64.StdEncoding.EncodeToString(data)
		var buf bytes.Buffer
		for len(enc) > 76 {
			buf.WriteString(enc[:76])
			buf.WriteString("\r\n")
			enc = enc[76:]
		}
		buf.WriteString(enc)
		return buf.Bytes()
	case "quoted-printable":
		var buf bytes.Buffer
		w := quotedprintable.NewWriter(&buf)
		_, _ = w.Write(data)
		_ = w.Close()
		return buf.Bytes()
	default:
		return data
	}
}

// ToUTF8 converts data from the named charset to UTF-8. Invalid sequences
// are dropped; an unknown charset is treated as UTF-8.
func ToUTF8(data []byte, charset string) string {
	label := strings.ToLower(strings.Trim(strings.TrimSpace(charset), `"`))
	switch label {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return strings.ToValidUTF8(string(data), "")
	}
	enc, _ := htmlcharset.Lookup(label)
	if enc == nil {
		return strings.ToValidUTF8(string(data), "")
	}
	// U+FFFD the charset can spell out is content; any other U+FFFD in the
	// output was produced by the decoder for an invalid sequence.
	marker, err := enc.NewEncoder().Bytes([]byte("\uFFFD"))
	if err != nil || len(marker) == 0 {
		return decodeDropping(enc, data)
	}
	segments := bytes.Split(data, marker)
	out := make([]string, len(segments))
	for i, seg := range segments {
		out[i] = decodeDropping(enc, seg)
	}
	return strings.Join(out, "\uFFFD")
}

func decodeDropping(enc encoding.Encoding, data []byte) string {
	out, _, err := transform.Bytes(enc.NewDecoder(), data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "")
	}
	return strings.ReplaceAll(strings.ToValidUTF8(string(out), ""), "\uFFFD", "")
}
