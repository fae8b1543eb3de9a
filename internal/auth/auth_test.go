package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/danmuck/ircmux/internal/testutil/testlog"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	boom := errors.New("boom")
	v := FuncValidator(func(token string) error {
		if token == "ok" {
			return nil
		}
		return boom
	})
	assert.NoError(t, v.Validate("ok"))
	assert.ErrorIs(t, v.Validate("no"), boom)
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"Bearer   ", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		token, ok := BearerToken(tc.header)
		assert.Equal(t, tc.ok, ok, tc.header)
		assert.Equal(t, tc.token, token, tc.header)
	}
}
