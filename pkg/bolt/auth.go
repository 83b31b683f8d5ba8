package bolt

import (
	"github.com/cockroachdb/errors"

	"github.com/orneryd/nornicqe/pkg/auth"
)

// authenticate translates Bolt HELLO credentials (scheme, principal,
// credentials) to the shared auth.Authenticator.
//
// Supported schemes:
//   - "basic": username/password, verified with bcrypt; failed attempts
//     count towards the account lockout
//   - "none": accepted only when security is disabled
//
// A nil user with a nil error means the session runs unauthenticated,
// which the query checker allows only when security is disabled.
func (s *Server) authenticate(scheme, principal, credentials string) (*auth.User, error) {
	a := s.config.Authenticator
	if a == nil || !a.IsSecurityEnabled() {
		return nil, nil
	}
	switch scheme {
	case "basic":
	case "none", "":
		return nil, errors.New("authentication required")
	default:
		return nil, errors.Newf("unsupported authentication scheme: %s (only 'basic' is supported)", scheme)
	}
	user, err := a.Authenticate(principal, credentials)
	if err != nil {
		return nil, err
	}
	return user, nil
}
