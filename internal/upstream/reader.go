package upstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/edgequota/chainproxy/internal/apierror"
)

// DefaultMaxResponseBytes is the upstream body ceiling when none is configured.
const DefaultMaxResponseBytes = 10 << 20

const (
	readChunk    = 32 << 10
	previewRunes = 200
)

// Payload is a fully read upstream body.
type Payload struct {
	// JSON is the decoded body, nil for an empty body. Numbers are json.Number.
	JSON any
	Raw  []byte
	Text string
	Size int64
}

// ReadBounded reads resp.Body up to maxBytes and decodes it as JSON. The
// body is always closed.
//
// Crossing maxBytes fails with KindEntityTooLarge as soon as it happens;
// nothing past the limit is buffered. A body that is not valid JSON fails
// with KindBadUpstreamPayload. An empty body yields an empty Payload.
func ReadBounded(resp *http.Response, maxBytes int64) (*Payload, error) {
	if resp.Body == nil || resp.Body == http.NoBody {
		return &Payload{}, nil
	}
	defer resp.Body.Close()

	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}
	if resp.ContentLength > maxBytes {
		return nil, apierror.EntityTooLarge(resp.ContentLength, maxBytes)
	}

	var buf bytes.Buffer
	chunk := make([]byte, readChunk)
	var total int64
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			total += int64(n)
			if total > maxBytes {
				return nil, apierror.EntityTooLarge(total, maxBytes)
			}
			buf.Write(chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apierror.Wrap(apierror.KindNetwork, err)
		}
	}

	raw := buf.Bytes()
	p := &Payload{Raw: raw, Size: total}
	if total == 0 {
		return p, nil
	}
	p.Text = strings.ToValidUTF8(string(raw), string(utf8.RuneError))

	v, err := decodeJSON(raw)
	if err != nil {
		return nil, apierror.BadUpstreamPayload(preview(p.Text), err)
	}
	p.JSON = v
	return p, nil
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("invalid character after top-level value")
	}
	return v, nil
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	r := []rune(s)
	return string(r[:previewRunes])
}
