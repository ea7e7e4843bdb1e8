package claim

import "presence/internal/audit"

// Stable rejection codes surfaced across the boundary. Clients key their
// messaging off these strings; never rename them.
const (
	CodeNotStudent         = "NOT_STUDENT"
	CodeInvalidSession     = "INVALID_SESSION"
	CodeSessionEnded       = "SESSION_ENDED"
	CodeTimeExpired        = "TIME_EXPIRED"
	CodeInvalidQR          = "INVALID_QR"
	CodeGPSRequired        = "GPS_REQUIRED"
	CodeOutsideRadius      = "OUTSIDE_RADIUS"
	CodeUnregisteredDevice = "UNREGISTERED_DEVICE"
	CodeSelfieRequired     = "SELFIE_REQUIRED"
	CodeAlreadyMarked      = "ALREADY_MARKED"
)

// messages are the human-readable companions to the codes.
var messages = map[string]string{
	CodeNotStudent:         "account has no linked student profile",
	CodeInvalidSession:     "attendance session not found or misconfigured",
	CodeSessionEnded:       "attendance session has ended",
	CodeTimeExpired:        "attendance window is closed",
	CodeInvalidQR:          "code is stale or invalid, rescan and retry",
	CodeGPSRequired:        "this session requires your location",
	CodeOutsideRadius:      "you are outside the classroom area",
	CodeUnregisteredDevice: "this device does not match your registered device",
	CodeSelfieRequired:     "this session requires a selfie",
	CodeAlreadyMarked:      "attendance already marked for this session",
}

// attemptType maps a rejection code to its audit taxonomy class.
func attemptType(code string) string {
	switch code {
	case CodeNotStudent:
		return audit.TypeIdentity
	case CodeInvalidSession, CodeSessionEnded, CodeTimeExpired:
		return audit.TypeSession
	case CodeInvalidQR:
		return audit.TypeFreshness
	case CodeGPSRequired, CodeOutsideRadius, CodeUnregisteredDevice, CodeSelfieRequired:
		return audit.TypeEvidence
	case CodeAlreadyMarked:
		return audit.TypeDuplicate
	}
	return audit.TypeSession
}
