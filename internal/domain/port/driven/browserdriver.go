package driven

import (
	"context"

	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
)

// BrowserDriver performs an interactive login on the platform and returns the
// resulting session token. How it drives the page is its own business.
type BrowserDriver interface {
	// Login signs in with creds at loginURL. Failures wrap model.ErrLoginFailure.
	Login(ctx context.Context, creds model.AccountCredentials, loginURL string) (*model.LoginResult, error)
}
