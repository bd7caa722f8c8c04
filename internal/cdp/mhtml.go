package cdp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/quotedprintable"
)

// base64Encode renders payload as base64 wrapped at the conventional MIME
// line length of 76 characters.
func base64Encode(payload []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(payload)
	var buf bytes.Buffer
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		buf.WriteString(encoded[i:end])
		buf.WriteString("\r\n")
	}
	return bytes.TrimRight(buf.Bytes(), "\r\n")
}

// mhtmlEncoding names the transfer encoding of a part payload as passed to
// MHTML.Add.
type mhtmlEncoding string

const (
	// EncodingQuotedPrintable marks payload as raw UTF-8 text to be
	// quoted-printable encoded.
	EncodingQuotedPrintable mhtmlEncoding = "quoted-printable"
	// EncodingBase64 marks payload as raw bytes to be base64 encoded.
	EncodingBase64 mhtmlEncoding = "base64"
	// EncodingBase64Encoded marks payload as already base64-encoded text.
	EncodingBase64Encoded mhtmlEncoding = "base64-encoded"
)

// ErrInvalidEncoding is returned by MHTML.Add for any encoding other than
// the three recognised values.
type ErrInvalidEncoding struct{ Encoding string }

func (e *ErrInvalidEncoding) Error() string {
	return fmt.Sprintf("mhtml: invalid encoding %q", e.Encoding)
}

type mhtmlPart struct {
	location    string
	contentType string
	transferEnc string
	body        []byte
}

// MHTML accumulates captured sub-resources and serialises them into a
// single multipart/related; type="text/html" archive, MIME-Version 1.0 —
// the single-file archive format of a rendered page and its resources.
type MHTML struct {
	boundary string
	parts    []mhtmlPart
}

// NewMHTML creates an empty archive with a fixed, reproducible boundary.
func NewMHTML() *MHTML {
	return &MHTML{boundary: "----prerender-mhtml-boundary"}
}

// Add appends one part to the archive. encoding must be one of
// EncodingQuotedPrintable, EncodingBase64, or EncodingBase64Encoded;
// anything else returns ErrInvalidEncoding.
func (m *MHTML) Add(location, contentType string, payload []byte, encoding mhtmlEncoding) error {
	ct := contentType
	if contentType == "text/html" {
		ct = mime.FormatMediaType("text/html", map[string]string{"charset": "utf-8"})
	}

	var body []byte
	var transferEnc string
	switch encoding {
	case EncodingQuotedPrintable:
		var buf bytes.Buffer
		w := quotedprintable.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("mhtml: quoted-printable encode: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("mhtml: quoted-printable close: %w", err)
		}
		body = buf.Bytes()
		transferEnc = "quoted-printable"
	case EncodingBase64:
		body = base64Encode(payload)
		transferEnc = "base64"
	case EncodingBase64Encoded:
		body = payload
		transferEnc = "base64"
	default:
		return &ErrInvalidEncoding{Encoding: string(encoding)}
	}

	m.parts = append(m.parts, mhtmlPart{
		location:    location,
		contentType: ct,
		transferEnc: transferEnc,
		body:        body,
	})
	return nil
}

// Bytes serialises the archive to its wire form.
func (m *MHTML) Bytes() []byte {
	var buf bytes.Buffer
	writeHeader(&buf,
		[2]string{"MIME-Version", "1.0"},
		[2]string{"Content-Type", fmt.Sprintf(`multipart/related; boundary=%q; type="text/html"`, m.boundary)},
	)
	buf.WriteString("\r\n")

	for _, p := range m.parts {
		buf.WriteString("--" + m.boundary + "\r\n")
		writeHeader(&buf,
			[2]string{"Content-Type", p.contentType},
			[2]string{"Content-Transfer-Encoding", p.transferEnc},
			[2]string{"Content-Location", p.location},
		)
		buf.WriteString("\r\n")
		buf.Write(p.body)
		buf.WriteString("\r\n")
	}
	buf.WriteString("--" + m.boundary + "--\r\n")

	return buf.Bytes()
}

// writeHeader writes each name/value field in the order given.
func writeHeader(buf *bytes.Buffer, fields ...[2]string) {
	for _, f := range fields {
		buf.WriteString(f[0])
		buf.WriteString(": ")
		buf.WriteString(f[1])
		buf.WriteString("\r\n")
	}
}
