package bootstrap

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

type echoEntry struct {
	plaintext []byte
	expires   time.Time
}

// echoCache remembers this device's own outbound ciphertexts so a relayed
// copy resolves to the original plaintext without decryption.
type echoCache struct {
	entries *lru.Cache
	ttl     time.Duration
	now     func() time.Time
}

func newEchoCache(size int, ttl time.Duration) (*echoCache, error) {
	entries, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &echoCache{entries: entries, ttl: ttl, now: time.Now}, nil
}

// put records ciphertext. Commits are recorded with a nil plaintext.
func (ec *echoCache) put(ciphertext, plaintext []byte) {
	ec.entries.Add(string(ciphertext), echoEntry{
		plaintext: append([]byte(nil), plaintext...),
		expires:   ec.now().Add(ec.ttl),
	})
}

// take removes and returns the entry for ciphertext if it has not
// expired.
func (ec *echoCache) take(ciphertext []byte) ([]byte, bool) {
	k := string(ciphertext)
	v, ok := ec.entries.Get(k)
	if !ok {
		return nil, false
	}
	ec.entries.Remove(k)

	entry := v.(echoEntry)
	if ec.now().After(entry.expires) {
		return nil, false
	}
	return entry.plaintext, true
}
