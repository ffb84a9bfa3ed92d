// Package errors provides coded errors for simple-delegate.
//
// Every failure that crosses a package boundary carries an ErrorCode naming
// its kind (SESSION_NOT_FOUND, INVALID_CODE, COMMUNICATION_ERROR, ...). Callers
// branch on the code, never on the message:
//
//	if errors.IsCode(err, errors.ErrCodeSessionAlreadyActive) {
//		// end the existing session first
//	}
//
// Codes map to HTTP statuses through MapErrorCodeToHTTPStatus, and
// PublicMessage hides detail for codes that would otherwise leak whether a
// step-up code was wrong or merely reused.
package errors
