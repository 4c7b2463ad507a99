package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	typeAnnounce  = "announce"
	typeSync      = "sync"
	typeAwareness = "awareness"
	typeLeave     = "leave"
)

const pbkdf2Iterations = 100000

var (
	errSealed   = errors.New("transport: sealed envelope and no room password")
	errUnsealed = errors.New("transport: cleartext envelope in a password room")
)

// envelope is the payload published on the room topic. To is empty for
// broadcasts.
type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	From    string `json:"from"`
	To      string `json:"to,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// roomKey derives the AES-256 key for a password protected room. Peers without
// the password cannot read, or be read by, the room.
func roomKey(password, room string) (cipher.AEAD, error) {
	if password == "" {
		return nil, nil
	}
	key := pbkdf2.Key([]byte(password), []byte(room), pbkdf2Iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("room cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("room cipher: %w", err)
	}
	return aead, nil
}

// encode produces the signaling publish data: the envelope object in cleartext
// rooms, a base64 JSON string of nonce||ciphertext otherwise.
func encode(aead cipher.AEAD, env envelope) (json.RawMessage, error) {
	plain, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if aead == nil {
		return plain, nil
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plain, nil)
	return json.Marshal(base64.StdEncoding.EncodeToString(sealed))
}

func decode(aead cipher.AEAD, data json.RawMessage) (envelope, error) {
	var env envelope
	isSealed := len(data) > 0 && data[0] == '"'
	switch {
	case isSealed && aead == nil:
		return env, errSealed
	case !isSealed && aead != nil:
		return env, errUnsealed
	case !isSealed:
		err := json.Unmarshal(data, &env)
		return env, err
	}

	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return env, err
	}
	sealed, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return env, fmt.Errorf("sealed envelope: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return env, errors.New("transport: sealed envelope too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return env, fmt.Errorf("open envelope: %w", err)
	}
	err = json.Unmarshal(plain, &env)
	return env, err
}
