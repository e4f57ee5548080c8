package signaling

import "os"

// TokenProvider supplies the bearer credential used to authenticate
// the signaling connection. It is consumed once per connection attempt.
type TokenProvider interface {
	AccessToken() (string, error)
}

// StaticToken always returns the same credential.
type StaticToken string

func (t StaticToken) AccessToken() (string, error) {
	return string(t), nil
}

// EnvToken reads the credential from an environment variable on every
// connection attempt.
type EnvToken string

func (t EnvToken) AccessToken() (string, error) {
	return os.Getenv(string(t)), nil
}
