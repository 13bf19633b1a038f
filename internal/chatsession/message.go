package chatsession

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// MessageType identifies one of the eleven wire messages a session
// exchanges with its peer.
type MessageType int

const (
	TypeAccept             MessageType = 2
	TypeDeny               MessageType = 3
	TypePublicKeyResponse  MessageType = 4
	TypeKeyConfChallenge   MessageType = 5
	TypeKeyConfResponse    MessageType = 6
	TypeSessionEstablished MessageType = 7
	TypeChatMessage        MessageType = 8
	TypeSessionEnd         MessageType = 9
	TypeTypingStart        MessageType = 10
	TypeTypingStop         MessageType = 11
)

func (t MessageType) String() string {
	switch t {
	case TypeAccept:
		return "ACCEPT"
	case TypeDeny:
		return "DENY"
	case TypePublicKeyResponse:
		return "PUBLIC_KEY_RESPONSE"
	case TypeKeyConfChallenge:
		return "KEY_CONFIRMATION_CHALLENGE"
	case TypeKeyConfResponse:
		return "KEY_CONFIRMATION_RESPONSE"
	case TypeSessionEstablished:
		return "SESSION_ESTABLISHED"
	case TypeChatMessage:
		return "ENCRYPTED_CHAT_MESSAGE"
	case TypeSessionEnd:
		return "SESSION_END"
	case TypeTypingStart:
		return "TYPING_START"
	case TypeTypingStop:
		return "TYPING_STOP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// Size caps, expressed in base64 character count, enforced before any
// cryptographic operation runs on a field.
const (
	MaxPublicKeyLength     = 512
	MaxIVLength            = 32
	MaxEncryptedDataLength = 131072
)

// Raw fields as they arrive over the wire. Not every field is set for
// every message type; handlers pick out the fields their type defines.
type Payload struct {
	PublicKey          string `json:"publicKey,omitempty"`
	IV                 string `json:"iv,omitempty"`
	EncryptedChallenge string `json:"encryptedChallenge,omitempty"`
	EncryptedResponse  string `json:"encryptedResponse,omitempty"`
	Data               string `json:"data,omitempty"`
	Message            string `json:"message,omitempty"`
}

// ParsePayload unmarshals the raw JSON body of a wire message. A
// malformed body is reported as a shape-validation failure, distinct
// from a size-cap failure on an individual field.
func ParsePayload(raw []byte) (Payload, error) {
	if len(raw) == 0 {
		return Payload{}, nil
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("malformed payload: %w", err)
	}
	return p, nil
}

// validateFieldLength checks a base64 field's character length against
// its cap without decoding it — size validation always runs before any
// decode or cryptographic work.
func validateFieldLength(field string, value string, maxLen int) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s exceeds maximum allowed length (%d > %d)", field, len(value), maxLen)
	}
	return nil
}

func validatePublicKeyField(b64 string) error {
	if b64 == "" {
		return fmt.Errorf("publicKey field is missing")
	}
	return validateFieldLength("excessively large public key", b64, MaxPublicKeyLength)
}

func validateIVField(b64 string) error {
	if b64 == "" {
		return fmt.Errorf("iv field is missing")
	}
	return validateFieldLength("iv", b64, MaxIVLength)
}

func validateEncryptedField(fieldName, b64 string) error {
	if b64 == "" {
		return fmt.Errorf("%s field is missing", fieldName)
	}
	return validateFieldLength(fieldName, b64, MaxEncryptedDataLength)
}

// base64ToBytes decodes a wire field, one of the WireCodec helpers
// CryptoCapability's documentation leaves to the transport/codec layer.
func base64ToBytes(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	return b, nil
}

func bytesToBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// decodeUTF8 validates that b is well-formed UTF-8 before it is
// appended to message history or displayed.
func decodeUTF8(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", fmt.Errorf("decrypted payload is not valid UTF-8")
	}
	return string(b), nil
}
