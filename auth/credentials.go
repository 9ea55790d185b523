package auth

import (
	"fmt"

	"github.com/kestrelsec/sarifhub/transport"
)

// Method names a credential scheme.
type Method string

const (
	MethodAnonymous   Method = "anonymous"
	MethodPassword    Method = "password"
	MethodCertificate Method = "certificate"
)

// ParseMethod maps a configuration string onto a Method. Unrecognized
// strings are rejected outright instead of falling back to a default.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodAnonymous, MethodPassword, MethodCertificate:
		return Method(s), nil
	default:
		return "", &transport.ConfigError{Reason: fmt.Sprintf("unrecognized authentication method %q", s)}
	}
}

// Credentials is the tagged union over the three sign-in schemes. Exactly
// one of [Anonymous], [Password], or [Certificate] is passed to
// [Engine.SignIn].
type Credentials interface {
	method() Method
}

// Anonymous signs in without credentials.
type Anonymous struct{}

func (Anonymous) method() Method { return MethodAnonymous }

// Password signs in with a username and password. Exactly one password
// source must be configured: the retrieval callback or a password file.
type Password struct {
	Username string `validate:"required"`

	// GetPassword resolves the password, typically by prompting. It may
	// fail with an error wrapping [transport.ErrCanceled] when the user
	// declines.
	GetPassword func() (string, error)

	// PasswordFile is the path of a file whose trimmed contents are the
	// password.
	PasswordFile string
}

func (Password) method() Method { return MethodPassword }

// Certificate signs in with a TLS client certificate. When the key is
// passphrase protected the connection must carry a passphrase provider.
type Certificate struct {
	Key *transport.ClientKey `validate:"required"`
}

func (Certificate) method() Method { return MethodCertificate }
