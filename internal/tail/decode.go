package tail

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

// ErrUndecodable means no configured encoding could decode a chunk.
var ErrUndecodable = errors.New("no encoding could decode log chunk")

// DefaultEncodings is the decode fallback order: UTF-8 first, then the legacy
// Chinese code page, then Latin-1.
var DefaultEncodings = []string{"utf-8", "gbk", "latin1"}

// Decoder turns raw log bytes into text. It returns the number of input bytes
// consumed. Unless atEOF is set a decoder may leave an incomplete trailing
// sequence for later.
type Decoder interface {
	Name() string
	Decode(b []byte, atEOF bool) (text string, consumed int, err error)
}

var named = map[string]encoding.Encoding{
	"gbk":          simplifiedchinese.GBK,
	"gb18030":      simplifiedchinese.GB18030,
	"big5":         traditionalchinese.Big5,
	"shift_jis":    japanese.ShiftJIS,
	"euc-jp":       japanese.EUCJP,
	"latin1":       charmap.ISO8859_1,
	"iso-8859-1":   charmap.ISO8859_1,
	"windows-1252": charmap.Windows1252,
	"cp1252":       charmap.Windows1252,
}

// LookupDecoder resolves an encoding name. Common names are matched directly;
// anything else goes through the IANA registry.
func LookupDecoder(name string) (Decoder, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	switch key {
	case "utf-8", "utf8":
		return utf8Decoder{}, nil
	case "":
		return nil, errors.New("empty encoding name")
	}
	if enc, ok := named[key]; ok {
		return textDecoder{name: key, enc: enc}, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
	return textDecoder{name: key, enc: enc}, nil
}

// LookupDecoders resolves names in order, failing on the first unknown one.
func LookupDecoders(names []string) ([]Decoder, error) {
	out := make([]Decoder, 0, len(names))
	for _, n := range names {
		d, err := LookupDecoder(n)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

type utf8Decoder struct{}

func (utf8Decoder) Name() string { return "utf-8" }

// Decode accepts valid UTF-8, holding back an incomplete final sequence that the
// writer has not finished yet. At EOF such a sequence is invalid.
func (utf8Decoder) Decode(b []byte, atEOF bool) (string, int, error) {
	if utf8.Valid(b) {
		return string(b), len(b), nil
	}
	if atEOF {
		return "", 0, errors.New("invalid utf-8")
	}
	n := len(b) - incompleteTail(b)
	if n < len(b) && utf8.Valid(b[:n]) {
		return string(b[:n]), n, nil
	}
	return "", 0, errors.New("invalid utf-8")
}

// incompleteTail returns the length of a truncated multi-byte sequence at the
// end of b, or 0.
func incompleteTail(b []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if utf8.RuneStart(c) {
			if c < utf8.RuneSelf || utf8.FullRune(b[len(b)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}

type textDecoder struct {
	name string
	enc  encoding.Encoding
}

func (d textDecoder) Name() string { return d.name }

// Decode uses the x/text decoder. Those substitute U+FFFD for invalid input
// instead of failing, so any replacement character counts as a failure.
func (d textDecoder) Decode(b []byte, _ bool) (string, int, error) {
	out, err := d.enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", 0, err
	}
	if strings.ContainsRune(string(out), utf8.RuneError) {
		return "", 0, fmt.Errorf("invalid %s sequence", d.name)
	}
	return string(out), len(b), nil
}

// decodeChunk tries each decoder in order and returns the first success.
func decodeChunk(b []byte, atEOF bool, decoders []Decoder) (string, int, string, error) {
	var errs []error
	for _, d := range decoders {
		text, n, err := d.Decode(b, atEOF)
		if err == nil {
			return text, n, d.Name(), nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
	}
	return "", 0, "", fmt.Errorf("%w: %w", ErrUndecodable, errors.Join(errs...))
}
