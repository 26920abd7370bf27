package domain

import (
	"errors"
	"fmt"
)

// ErrorKind clasifica los rechazos del ledger para que los llamadores
// decidan si reintentar, corregir la configuración o descartar la llamada.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConfiguration
	KindState
	KindAuthorization
	KindIntegrity
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindState:
		return "StateError"
	case KindAuthorization:
		return "AuthorizationError"
	case KindIntegrity:
		return "IntegrityError"
	case KindNotFound:
		return "NotFoundError"
	default:
		return "UnknownError"
	}
}

// LedgerError es un rechazo tipado. Los sentinels de abajo son *LedgerError,
// así que errors.Is funciona aunque vengan envueltos con fmt.Errorf.
type LedgerError struct {
	Kind ErrorKind
	Msg  string
}

func (e *LedgerError) Error() string { return e.Msg }

func newErr(kind ErrorKind, msg string) *LedgerError {
	return &LedgerError{Kind: kind, Msg: msg}
}

// Configuración: bloquean el arranque.
var (
	ErrZeroFeeRecipient    = newErr(KindConfiguration, "shield: fee recipient is the zero address")
	ErrThresholdRange      = newErr(KindConfiguration, "shield: deviation threshold must be within 1..10000 bps")
	ErrInvalidSplit        = newErr(KindConfiguration, "shield: reward split must sum to 10000 bps")
	ErrInvalidDuration     = newErr(KindConfiguration, "shield: auction duration must be positive")
	ErrInvalidAmount       = newErr(KindConfiguration, "shield: invalid amount")
	ErrInvalidLPMode       = newErr(KindConfiguration, "shield: unknown lp distribution mode")
	ErrMissingCollaborator = newErr(KindConfiguration, "shield: required collaborator is nil")
)

// Estado: recuperables por el llamador.
var (
	ErrAuctionNotActive = newErr(KindState, "shield: auction not active")
	ErrAlreadyCommitted = newErr(KindState, "shield: bidder already committed")
	ErrNoCommitment     = newErr(KindState, "shield: no commitment found")
	ErrAlreadyRevealed  = newErr(KindState, "shield: bid already revealed")
	ErrAuctionNotEnded  = newErr(KindState, "shield: auction not yet ended")
	ErrBidBelowMinimum  = newErr(KindState, "shield: bid below minimum")
	ErrNothingToClaim   = newErr(KindState, "shield: nothing to claim")
	ErrAmountOverflow   = newErr(KindState, "shield: amount overflows 256 bits")
)

// Autorización e integridad.
var (
	ErrUnauthorizedOperator = newErr(KindAuthorization, "shield: operator not authorized")
	ErrCommitmentMismatch   = newErr(KindIntegrity, "shield: reveal does not match commitment")
)

// No encontrados.
var (
	ErrAuctionNotFound      = newErr(KindNotFound, "shield: auction not found")
	ErrPendingClaimNotFound = newErr(KindNotFound, "shield: pending claim not found")
)

// TransferPendingError indica que el pago ya salió (hay referencia) pero no
// se pudo confirmar. El saldo no debe restituirse: el pago puede acabar
// ejecutándose.
type TransferPendingError struct {
	Ref string
	Err error
}

func (e *TransferPendingError) Error() string {
	return fmt.Sprintf("transfer %s pending: %v", e.Ref, e.Err)
}

func (e *TransferPendingError) Unwrap() error { return e.Err }

// AsTransferPending extrae el *TransferPendingError de la cadena de err.
func AsTransferPending(err error) (*TransferPendingError, bool) {
	var pe *TransferPendingError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf devuelve la clase del primer *LedgerError en la cadena de err.
func KindOf(err error) ErrorKind {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}
