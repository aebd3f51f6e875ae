package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrEmptyPayload      = errors.New("empty payload")
)

// ThreadMarker is the substring a message id must carry to be usable as a
// reply-reference on outgoing messages. Ids without it are rejected by the
// backend when embedded in the reply extension.
const ThreadMarker = ".PNM"

// AppKey is the fixed application key sent in the registration handshake.
const AppKey = "444e9908a51d1cb236a27862abc769c9"

const registerUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36 DingTalk(2.1.5) OS(Windows/10) Browser(Chrome/133.0.0.0) DingWeb/2.1.5 IMPaaS DingWeb/2.1.5"

// Envelope is one wire-level JSON frame. Protocol directives carry an lwp
// path; responses carry a code; push packages carry a body.
type Envelope struct {
	LWP     string          `json:"lwp,omitempty"`
	Code    int             `json:"code,omitempty"`
	Headers map[string]any  `json:"headers,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// HeaderString returns the named header when it is a string, else "".
func (e *Envelope) HeaderString(name string) string {
	if e == nil || e.Headers == nil {
		return ""
	}
	value, _ := e.Headers[name].(string)
	return value
}

// Decoded is the result of decoding one inbound frame. Payload is non-nil
// only when the frame carried a push package whose data item could be
// decoded to a JSON object (plain base64 or the packed transform).
type Decoded struct {
	Envelope  *Envelope
	Payload   map[string]any
	Encrypted bool
}

type pushPackageBody struct {
	SyncPushPackage struct {
		Data []struct {
			Data string `json:"data"`
		} `json:"data"`
	} `json:"syncPushPackage"`
}

// Decrypter turns a packed payload string into JSON bytes. The production
// transform is DecryptPacked; tests may substitute an identity function.
type Decrypter func(data string) ([]byte, error)

type CodecOptions struct {
	Decrypt Decrypter
	Clock   func() time.Time
}

type Codec struct {
	decrypt Decrypter
	clock   func() time.Time
}

func NewCodec(opts CodecOptions) *Codec {
	decrypt := opts.Decrypt
	if decrypt == nil {
		decrypt = DecryptPacked
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Codec{decrypt: decrypt, clock: clock}
}

// Decode parses one inbound frame. Frames that are valid JSON but carry no
// push package decode to an envelope with a nil payload. A push package
// whose data item yields no valid JSON by either the plain or the packed
// path fails with ErrMalformedEnvelope.
func (c *Codec) Decode(frame []byte) (*Decoded, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, ErrMalformedEnvelope
	}
	decoded := &Decoded{Envelope: &env}
	if len(env.Body) == 0 {
		return decoded, nil
	}
	var body pushPackageBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return decoded, nil
	}
	if len(body.SyncPushPackage.Data) == 0 {
		return decoded, nil
	}
	data := body.SyncPushPackage.Data[0].Data
	if strings.TrimSpace(data) == "" {
		return decoded, ErrEmptyPayload
	}

	// Unencrypted payloads are plain base64 over UTF-8 JSON; try that first.
	if plain, err := base64.StdEncoding.DecodeString(data); err == nil {
		var payload map[string]any
		if json.Unmarshal(plain, &payload) == nil {
			decoded.Payload = payload
			return decoded, nil
		}
	}

	packed, err := c.decrypt(data)
	if err != nil {
		return decoded, ErrMalformedEnvelope
	}
	var payload map[string]any
	if err := json.Unmarshal(packed, &payload); err != nil {
		return decoded, ErrMalformedEnvelope
	}
	decoded.Payload = payload
	decoded.Encrypted = true
	return decoded, nil
}

// IsHeartbeatAck reports whether the envelope acknowledges a heartbeat:
// a bare success code with no body, a success code echoing a message id,
// or an echo of the heartbeat path itself.
func IsHeartbeatAck(env *Envelope) bool {
	if env == nil {
		return false
	}
	if env.Code == 200 && env.HeaderString("mid") != "" {
		return true
	}
	if env.Code == 200 && len(env.Body) == 0 {
		return true
	}
	if env.LWP == "/!" && env.Headers != nil {
		return true
	}
	return false
}

// EncodeRegister builds the registration handshake frame.
func (c *Codec) EncodeRegister(deviceID, token string) ([]byte, error) {
	frame := Envelope{
		LWP: "/reg",
		Headers: map[string]any{
			"cache-header": "app-key token ua wv",
			"app-key":      AppKey,
			"token":        token,
			"ua":           registerUserAgent,
			"dt":           "j",
			"wv":           "im:3,au:3,sy:6",
			"sync":         "0,0;0;0;",
			"did":          deviceID,
			"mid":          GenerateMID(),
		},
	}
	return json.Marshal(frame)
}

// EncodeSyncAck builds the post-registration sync acknowledgment frame.
func (c *Codec) EncodeSyncAck() ([]byte, error) {
	now := c.clock().UnixMilli()
	frame := map[string]any{
		"lwp":     "/r/SyncStatus/ackDiff",
		"headers": map[string]any{"mid": GenerateMID()},
		"body": []map[string]any{
			{
				"pipeline":    "sync",
				"tooLong2Tag": "PNM,1",
				"channel":     "sync",
				"topic":       "sync",
				"highPts":     0,
				"pts":         now * 1000,
				"seq":         0,
				"timestamp":   now,
			},
		},
	}
	return json.Marshal(frame)
}

// EncodeHeartbeat builds a heartbeat frame and returns it with its message id
// so the caller can record the send.
func (c *Codec) EncodeHeartbeat() ([]byte, string, error) {
	mid := GenerateMID()
	frame := Envelope{
		LWP:     "/!",
		Headers: map[string]any{"mid": mid},
	}
	raw, err := json.Marshal(frame)
	return raw, mid, err
}

// EncodeAck builds the per-frame acknowledgment echoing the inbound header
// fields the backend expects back.
func (c *Codec) EncodeAck(env *Envelope) ([]byte, error) {
	headers := map[string]any{
		"mid": GenerateMID(),
		"sid": "",
	}
	if env != nil {
		if mid := env.HeaderString("mid"); mid != "" {
			headers["mid"] = mid
		}
		if sid := env.HeaderString("sid"); sid != "" {
			headers["sid"] = sid
		}
		for _, name := range []string{"app-key", "ua", "dt"} {
			if value := env.HeaderString(name); value != "" {
				headers[name] = value
			}
		}
	}
	return json.Marshal(map[string]any{
		"code":    200,
		"headers": headers,
	})
}

// EncodeSend builds an outgoing chat message frame. When threadRef is
// non-empty it is embedded as the reply-reference extension; callers are
// responsible for only passing marker-bearing ids.
func (c *Codec) EncodeSend(conversationID, recipientID, ownID, text, threadRef string) ([]byte, error) {
	if conversationID == "" || recipientID == "" {
		return nil, ErrMalformedEnvelope
	}
	content, err := json.Marshal(map[string]any{
		"contentType": 1,
		"text":        map[string]string{"text": text},
	})
	if err != nil {
		return nil, err
	}
	extJSON := "{}"
	if threadRef != "" {
		ext, err := json.Marshal(map[string]string{"replyMessageId": threadRef})
		if err != nil {
			return nil, err
		}
		extJSON = string(ext)
	}
	frame := map[string]any{
		"lwp":     "/r/MessageSend/sendByReceiverScope",
		"headers": map[string]any{"mid": GenerateMID()},
		"body": []map[string]any{
			{
				"uuid":             GenerateUUID(),
				"cid":              conversationID + "@goofish",
				"conversationType": 1,
				"content": map[string]any{
					"contentType": 101,
					"custom": map[string]any{
						"type": 1,
						"data": base64.StdEncoding.EncodeToString(content),
					},
				},
				"redPointPolicy": 0,
				"extension": map[string]any{
					"extJson": extJSON,
				},
				"ctx": map[string]any{
					"appVersion": "1.0",
					"platform":   "web",
				},
				"mtags":                map[string]any{},
				"msgReadStatusSetting": 1,
			},
			{
				"actualReceivers": []string{
					recipientID + "@goofish",
					ownID + "@goofish",
				},
			},
		},
	}
	return json.Marshal(frame)
}
