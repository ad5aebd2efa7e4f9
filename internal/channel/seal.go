package channel

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	gojson "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/flowmesh/worksync/internal/wiremsg"
)

const (
	sealEncGzip   = "gzip"
	sealEncCipher = "cipher"
)

// sealedPayload wraps a transformed payload so it stays valid JSON on the
// wire. Encoding lists the applied transforms outermost-last, e.g.
// "gzip+cipher" means gzip first, then encrypt.
type sealedPayload struct {
	Sealed   bool   `json:"__sealed"`
	Encoding string `json:"encoding"`
	Data     []byte `json:"data"`
}

// sealPayload stamps the checksum over the plain payload, then optionally
// compresses payloads above the threshold and encrypts when a cipher is
// set. Small unencrypted payloads pass through untouched.
func sealPayload(msg *wiremsg.Message, cipher Cipher, compressThreshold int) error {
	msg.Seal()

	compress := compressThreshold > 0 && len(msg.Payload) >= compressThreshold
	encrypt := cipher != nil
	if !compress && !encrypt {
		return nil
	}

	data := []byte(msg.Payload)
	var encodings []string

	if compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return fmt.Errorf("compress payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compress payload: %w", err)
		}
		data = buf.Bytes()
		encodings = append(encodings, sealEncGzip)
	}

	if encrypt {
		enc, err := cipher.Encrypt(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEncrypt, err)
		}
		data = enc
		encodings = append(encodings, sealEncCipher)
	}

	raw, err := gojson.Marshal(sealedPayload{
		Sealed:   true,
		Encoding: strings.Join(encodings, "+"),
		Data:     data,
	})
	if err != nil {
		return fmt.Errorf("seal payload: %w", err)
	}
	msg.Payload = raw
	return nil
}

// openPayload reverses sealPayload. Unsealed payloads pass through.
// The checksum is not verified here; callers check it after opening.
func openPayload(msg *wiremsg.Message, cipher Cipher) error {
	if len(msg.Payload) == 0 || msg.Payload[0] != '{' {
		return nil
	}

	var sealed sealedPayload
	if err := gojson.Unmarshal(msg.Payload, &sealed); err != nil || !sealed.Sealed {
		return nil
	}

	data := sealed.Data
	encodings := strings.Split(sealed.Encoding, "+")

	// undo transforms in reverse order
	for i := len(encodings) - 1; i >= 0; i-- {
		switch encodings[i] {
		case sealEncCipher:
			if cipher == nil {
				return fmt.Errorf("%w: message %s is encrypted but no cipher configured", ErrDecrypt, msg.ID)
			}
			dec, err := cipher.Decrypt(data)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrDecrypt, err)
			}
			data = dec

		case sealEncGzip:
			zr, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return fmt.Errorf("decompress payload: %w", err)
			}
			plain, err := io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return fmt.Errorf("decompress payload: %w", err)
			}
			data = plain

		case "":
			// sealed without transforms

		default:
			return fmt.Errorf("unknown payload encoding %q", encodings[i])
		}
	}

	msg.Payload = data
	return nil
}
