package mls

import (
	"crypto/rand"
	"fmt"
)

type ProtocolVersion uint8

const (
	ProtocolVersionMLS10 ProtocolVersion = 0x01
)

func (v ProtocolVersion) ValidForTLS() error {
	return validateEnum(v, ProtocolVersionMLS10)
}

type Epoch uint64

func dup(in []byte) []byte {
	if in == nil {
		return nil
	}

	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func validateEnum(v interface{}, known ...interface{}) error {
	for _, kv := range known {
		if v == kv {
			return nil
		}
	}
	return fmt.Errorf("mls: unknown enum value: %v", v)
}

func randomBytes(size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("mls: random source failure: %v", err)
	}
	return out, nil
}

func zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
