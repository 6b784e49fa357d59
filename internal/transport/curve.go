package transport

import (
	"fmt"

	"github.com/pebbe/zmq4"
)

// z85KeyLength is the length of a Z85 encoded 32 byte curve key
const z85KeyLength = 40

// CurveKeys authenticates and encrypts the IPC bridge connection. ServerKey
// is the bridge's public key; PublicKey and SecretKey are ours.
type CurveKeys struct {
	ServerKey string
	PublicKey string
	SecretKey string
}

// GenerateCurveKeys creates a client key pair; ServerKey is left empty
func GenerateCurveKeys() (CurveKeys, error) {
	public, secret, err := zmq4.NewCurveKeypair()
	if err != nil {
		return CurveKeys{}, fmt.Errorf("failed to generate CurveZMQ keypair: %w", err)
	}
	return CurveKeys{PublicKey: public, SecretKey: secret}, nil
}

// Enabled reports whether curve security was configured
func (k CurveKeys) Enabled() bool {
	return k.ServerKey != ""
}

// Validate checks that every key is Z85 encoded
func (k CurveKeys) Validate() error {
	keys := []struct{ name, value string }{
		{"server key", k.ServerKey},
		{"public key", k.PublicKey},
		{"secret key", k.SecretKey},
	}
	for _, key := range keys {
		if len(key.value) != z85KeyLength {
			return fmt.Errorf("curve %s must be %d Z85 characters", key.name, z85KeyLength)
		}
	}
	return nil
}

func (k CurveKeys) apply(socket *zmq4.Socket) error {
	if !k.Enabled() {
		return nil
	}
	if err := socket.ClientAuthCurve(k.ServerKey, k.PublicKey, k.SecretKey); err != nil {
		return fmt.Errorf("failed to enable CurveZMQ: %w", err)
	}
	return nil
}
