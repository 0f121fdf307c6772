package tgauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ErrInvalidInitData is returned when the init data is missing, malformed
// or fails signature verification.
var ErrInvalidInitData = errors.New("invalid init data")

// WebAppUser is the user descriptor embedded in the init data "user" field.
type WebAppUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type pair struct {
	key   string
	value string
}

// Validate checks the Telegram Mini App init data signature against the bot
// token and returns the decoded key/value fields on success. The check string
// is every pair except "hash", sorted by key, joined with newlines; the
// secret key is SHA-256 of the bot token.
func Validate(initData, botToken string) (map[string]string, error) {
	if initData == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidInitData)
	}

	pairs, err := parseQuery(initData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInitData, err)
	}

	values := make(map[string]string, len(pairs))
	var checkPairs []pair
	for _, p := range pairs {
		values[p.key] = p.value
		if p.key != "hash" {
			checkPairs = append(checkPairs, p)
		}
	}

	receivedHash, ok := values["hash"]
	if !ok || receivedHash == "" {
		return nil, fmt.Errorf("%w: missing hash", ErrInvalidInitData)
	}

	sort.Slice(checkPairs, func(i, j int) bool {
		if checkPairs[i].key != checkPairs[j].key {
			return checkPairs[i].key < checkPairs[j].key
		}
		return checkPairs[i].value < checkPairs[j].value
	})

	parts := make([]string, 0, len(checkPairs))
	for _, p := range checkPairs {
		parts = append(parts, p.key+"="+p.value)
	}
	checkString := strings.Join(parts, "\n")

	secretKey := sha256.Sum256([]byte(botToken))
	mac := hmac.New(sha256.New, secretKey[:])
	mac.Write([]byte(checkString))
	computed := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(computed), []byte(receivedHash)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidInitData)
	}

	if _, ok := values["user"]; !ok {
		return nil, fmt.Errorf("%w: missing user", ErrInvalidInitData)
	}

	return values, nil
}

// ParseUser decodes the JSON user descriptor carried in the "user" field.
func ParseUser(raw string) (*WebAppUser, error) {
	var user WebAppUser
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil, fmt.Errorf("%w: bad user descriptor: %v", ErrInvalidInitData, err)
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("%w: user descriptor has no id", ErrInvalidInitData)
	}
	return &user, nil
}

// parseQuery splits the raw payload into URL-decoded pairs, keeping blank
// values and the original pair order.
func parseQuery(raw string) ([]pair, error) {
	var pairs []pair
	for _, chunk := range strings.Split(raw, "&") {
		if chunk == "" {
			continue
		}
		key, value, _ := strings.Cut(chunk, "=")
		decodedKey, err := url.QueryUnescape(key)
		if err != nil {
			return nil, err
		}
		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair{key: decodedKey, value: decodedValue})
	}
	if len(pairs) == 0 {
		return nil, errors.New("no fields")
	}
	return pairs, nil
}
