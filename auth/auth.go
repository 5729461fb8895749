package auth

import "fmt"

// Reason tells why a credential was rejected.
type Reason string

const (
	MissingCredential Reason = "missing_credential"
	Expired           Reason = "expired"
	Invalid           Reason = "invalid"
)

// Rejection is returned instead of an identity when a credential is not accepted.
type Rejection struct {
	Reason Reason
	Err    error
}

// Message is the client facing text of the rejection.
func (r *Rejection) Message() string {
	switch r.Reason {
	case MissingCredential:
		return "Unauthorized request."
	case Expired:
		return "Session expired."
	default:
		return "Invalid token."
	}
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Reason, r.Err)
	}
	return string(r.Reason)
}

type Verifier interface {
	// Verify checks the credential presented at connection time, returns uid.
	Verify(credential string) (string, *Rejection)
}
