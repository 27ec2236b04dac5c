package loans

import (
	"assetloans/pkg/apperr"
	"errors"
	"log"
)

var (
	ErrInvalidIdentifier     = apperr.New(apperr.Validation, "invalid_identifier", "borrower identifier is malformed")
	ErrMissingActor          = apperr.New(apperr.Validation, "missing_actor", "internal user is required")
	ErrActorNotFound         = apperr.New(apperr.NotFound, "actor_not_found", "internal user not found")
	ErrResourceNotFound      = apperr.New(apperr.NotFound, "resource_not_found", "resource not found")
	ErrBorrowerNotFound      = apperr.New(apperr.NotFound, "borrower_not_found", "borrower not found")
	ErrLoanNotFound          = apperr.New(apperr.NotFound, "loan_not_found", "loan not found")
	ErrResourceAlreadyLoaned = apperr.New(apperr.Conflict, "resource_already_loaned", "resource is already loaned")
	ErrResourceInactive      = apperr.New(apperr.Conflict, "resource_inactive", "resource is inactive")
	ErrLoanAlreadyReturned   = apperr.New(apperr.Conflict, "loan_already_returned", "loan was already returned")
)

// classify passes classified errors through and wraps everything else as an
// infrastructure failure of op.
func classify(op string, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	log.Printf("%s rolled back: %v", op, err)
	return apperr.Internal(op, err)
}
