package paysync

import (
	"context"
	"errors"
	"time"
)

// HasAccess answers "does user X currently hold entitlement Y". A missing
// entitlement is not an error; it returns false with a nil entitlement.
func HasAccess(ctx context.Context, r EntitlementReader, userID, entitlementID string,
	now time.Time) (bool, *Entitlement, error) {
	ent, err := r.GetEntitlement(ctx, userID, entitlementID)
	if errors.Is(err, ErrEntitlementNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return ent.Grants(now), ent, nil
}
