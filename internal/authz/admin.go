package authz

import (
	"context"
	"errors"
)

// PlatformEntityType and PlatformEntityID name the fixed tuple the platform
// admin bypass checks: platform:global#admin@<subject>.
const (
	PlatformEntityType = "platform"
	PlatformEntityID   = "global"
	PlatformAdminRelation = "admin"
)

// TupleAdminChecker implements AdminChecker by looking up the fixed
// platform:global#admin tuple directly, bypassing model/relation
// resolution entirely since platform admin is not an expandable relation.
type TupleAdminChecker struct {
	Tuples TupleStore
}

func (c *TupleAdminChecker) IsPlatformAdmin(ctx context.Context, subjectType, subjectID string) (bool, error) {
	_, err := c.Tuples.FindExact(ctx, PlatformEntityType, PlatformEntityID, PlatformAdminRelation, subjectType, subjectID)
	if err != nil {
		if errors.Is(err, ErrTupleNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
