package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerify(t *testing.T) {
	body := []byte(`{"external_reference":"inv_1","status":"settled","amount":10000}`)
	secret := "whsec_test"
	sig := Sign(body, secret)

	tests := []struct {
		name   string
		raw    []byte
		header string
		secret string
		want   bool
	}{
		{name: "valid", raw: body, header: sig, secret: secret, want: true},
		{name: "valid with prefix", raw: body, header: "sha256=" + sig, secret: secret, want: true},
		{name: "wrong secret", raw: body, header: sig, secret: "other", want: false},
		{name: "tampered body", raw: []byte(`{"external_reference":"inv_1","status":"settled","amount":99999}`), header: sig, secret: secret, want: false},
		{name: "reformatted body", raw: []byte(`{"status":"settled","external_reference":"inv_1","amount":10000}`), header: sig, secret: secret, want: false},
		{name: "missing header", raw: body, header: "", secret: secret, want: false},
		{name: "missing secret", raw: body, header: sig, secret: "", want: false},
		{name: "missing body", raw: nil, header: sig, secret: secret, want: false},
		{name: "not hex", raw: body, header: "zz-not-hex", secret: secret, want: false},
		{name: "truncated", raw: body, header: sig[:20], secret: secret, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Verify(tt.raw, tt.header, tt.secret))
		})
	}
}
