// Package signature проверяет подлинность webhook-уведомлений платёжного шлюза.
package signature

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
)

// Verifier проверяет HMAC-SHA512 подпись тела запроса общим секретом шлюза.
type Verifier struct {
	secret []byte
}

// NewVerifier создаёт Verifier с указанным общим секретом.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify сравнивает подпись из заголовка с HMAC-SHA512 от исходных байтов тела.
// Подписываются именно сырые байты запроса: повторная сериализация разобранного
// JSON даёт другую подпись и ломает проверку.
func (v *Verifier) Verify(rawBody []byte, signatureHeader string) bool {
	if signatureHeader == "" {
		return false
	}

	provided, err := hex.DecodeString(signatureHeader)
	if err != nil {
		return false
	}

	mac := hmac.New(sha512.New, v.secret)
	mac.Write(rawBody)

	return hmac.Equal(provided, mac.Sum(nil))
}

// Sign возвращает hex-подпись тела. Используется в тестах и для исходящих вызовов.
func (v *Verifier) Sign(rawBody []byte) string {
	mac := hmac.New(sha512.New, v.secret)
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}
