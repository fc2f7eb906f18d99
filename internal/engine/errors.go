package engine

// Action error codes. All are non-fatal: a rejected action leaves game state
// unchanged and is reported to the submitting connection only.
const (
	CodeInvalidPhaseForAction = "InvalidPhaseForAction"
	CodeNotYourTurn           = "NotYourTurn"
	CodeAlreadyVoted          = "AlreadyVoted"
	CodeNoPassesRemaining     = "NoPassesRemaining"
	CodeUnknownActionType     = "UnknownActionType"
	CodeGameNotFound          = "GameNotFound"
)

// Error is a rejected game action with a machine-readable code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}
