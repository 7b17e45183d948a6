package collab

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

type CompressSettings struct {
	// payloads at or below this size are sent as-is
	Threshold ByteCount
	// identity codec, for hosts without a usable gzip primitive
	Disabled bool
}

func DefaultCompressSettings() *CompressSettings {
	return &CompressSettings{
		Threshold: ByteCount(512),
	}
}

type CompressCodec struct {
	settings *CompressSettings
}

func NewCompressCodecWithDefaults() *CompressCodec {
	return NewCompressCodec(DefaultCompressSettings())
}

func NewCompressCodec(settings *CompressSettings) *CompressCodec {
	return &CompressCodec{
		settings: settings,
	}
}

// returns the input unchanged when compression is off, below threshold,
// or not a win
func (self *CompressCodec) Compress(b []byte) ([]byte, bool) {
	if self.settings.Disabled {
		return b, false
	}
	if ByteCount(len(b)) <= self.settings.Threshold {
		return b, false
	}

	var buff bytes.Buffer
	w := gzip.NewWriter(&buff)
	if _, err := w.Write(b); err != nil {
		return b, false
	}
	if err := w.Close(); err != nil {
		return b, false
	}
	if len(b) <= buff.Len() {
		return b, false
	}
	return buff.Bytes(), true
}

func (self *CompressCodec) Decompress(b []byte) ([]byte, error) {
	if self.settings.Disabled {
		return b, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}
