package protocol

import (
	"github.com/rotisserie/eris"
	"github.com/vmihailenco/msgpack/v5"
)

var ErrEmptyPayload = eris.New("empty payload")

func Encode(t string, payload any) ([]byte, error) {
	if t == "" {
		return nil, eris.New("envelope type is empty")
	}
	if payload == nil {
		return nil, eris.New("payload is nil")
	}
	pb, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, eris.Wrapf(err, "encode %s payload", t)
	}
	b, err := msgpack.Marshal(Envelope{T: t, P: pb})
	if err != nil {
		return nil, eris.Wrap(err, "encode envelope")
	}
	return b, nil
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) == 0 {
		return Envelope{}, eris.Wrap(ErrEmptyPayload, "decode envelope")
	}
	var e Envelope
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return Envelope{}, eris.Wrap(err, "decode envelope")
	}
	return e, nil
}

// DecodePayload 将外壳中的载荷解码为 T
func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	if len(env.P) == 0 {
		return out, eris.Wrapf(ErrEmptyPayload, "type %q", env.T)
	}
	if err := msgpack.Unmarshal(env.P, &out); err != nil {
		return out, eris.Wrapf(err, "decode %s payload", env.T)
	}
	return out, nil
}
