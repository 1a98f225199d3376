package crypto

import (
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/mconnect/mconnect/internal/database"
)

const keySetting = "fernet_key"

// Cipher encrypts small secrets at rest. The fernet key lives in the
// settings table and is generated on first use.
type Cipher struct {
	store *database.Store

	mu  sync.Mutex
	key *fernet.Key
}

func New(store *database.Store) *Cipher {
	return &Cipher{store: store}
}

func (c *Cipher) getKey() (*fernet.Key, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.key != nil {
		return c.key, nil
	}

	keyStr, err := c.store.GetSetting(keySetting)
	if err != nil {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := c.store.SetSetting(keySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		c.key = &k
		return c.key, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	c.key = key
	return c.key, nil
}

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	key, err := c.getKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, err := c.getKey()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid ciphertext")
	}
	return string(msg), nil
}

// Mask hides all but the last four characters of a secret for logging.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
