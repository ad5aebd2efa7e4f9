package channel

// Cipher encrypts payload bytes before they hit the wire. Implementations
// are supplied by the caller; the channel treats the output as opaque.
type Cipher interface {
	Encrypt(data []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
	Name() string
}

// NoopCipher passes payloads through unchanged.
type NoopCipher struct{}

func (NoopCipher) Encrypt(data []byte) ([]byte, error) { return data, nil }
func (NoopCipher) Decrypt(data []byte) ([]byte, error) { return data, nil }
func (NoopCipher) Name() string                        { return "noop" }
