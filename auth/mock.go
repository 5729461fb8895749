package auth

// MockVerifier accepts any non-empty credential as the uid itself, except the
// ones listed in Reject.
type MockVerifier struct {
	Reject map[string]Reason
}

func (v *MockVerifier) Verify(credential string) (string, *Rejection) {
	if credential == "" {
		return "", &Rejection{Reason: MissingCredential}
	}
	if reason, ok := v.Reject[credential]; ok {
		return "", &Rejection{Reason: reason}
	}
	return credential, nil
}
