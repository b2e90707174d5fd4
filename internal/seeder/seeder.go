package seeder

import (
	"context"
	"log"

	"github.com/tokenr-co/tokenr-go/internal/auth"
)

const DevAccountID = "00000000-0000-0000-0000-000000000001"

// SeedDevToken registers token for the dev account so a local SDK can
// report usage without a token-issuing service.
func SeedDevToken(ctx context.Context, store auth.Store, token string) error {
	at := &auth.AccountToken{
		AccountID: DevAccountID,
		TokenHash: auth.HashToken(token),
		Active:    true,
	}

	if err := store.Create(ctx, at); err != nil {
		log.Printf("[Seeder] dev token may already exist, skipping: %v", err)
		return err
	}
	log.Printf("[Seeder] Dev token registered")
	log.Printf("[Seeder] AccountID: %s", DevAccountID)
	return nil
}
