package imap

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"

	"github.com/emersion/go-sasl"
)

// CramMD5 is the CRAM-MD5 mechanism name (RFC 2195).
const CramMD5 = "CRAM-MD5"

type cramMD5Client struct {
	username string
	secret   string
	answered bool
}

// NewCramMD5Client returns a SASL client answering a single CRAM-MD5
// challenge with the keyed MD5 digest of the challenge.
func NewCramMD5Client(username, secret string) sasl.Client {
	return &cramMD5Client{username: username, secret: secret}
}

func (c *cramMD5Client) Start() (mech string, ir []byte, err error) {
	return CramMD5, nil, nil
}

func (c *cramMD5Client) Next(challenge []byte) ([]byte, error) {
	if c.answered {
		return nil, sasl.ErrUnexpectedServerChallenge
	}
	c.answered = true
	return []byte(c.username + " " + cramMD5Digest(c.secret, challenge)), nil
}

func cramMD5Digest(secret string, challenge []byte) string {
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write(challenge)
	return hex.EncodeToString(mac.Sum(nil))
}
