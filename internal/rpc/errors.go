package rpc

import (
	"errors"

	"keyfold/go-vault/internal/vault"
)

// Domain error codes. The -3204x block maps engine sentinels so clients can
// branch without parsing messages.
const (
	codeNotInitialized      = -32040
	codeAuthFailed          = -32041
	codeNotAuthenticated    = -32042
	codeIntegrity           = -32043
	codeCorruptData         = -32044
	codeRecoveryUnavailable = -32045
	codeCrypto              = -32046
	codeStorage             = -32047
	codeDisposed            = -32048
	codeInternal            = -32050
)

func rpcInvalidParams() *rpcError {
	return &rpcError{Code: -32602, Message: "invalid params"}
}

func mapEngineError(err error) *rpcError {
	switch {
	case errors.Is(err, vault.ErrInitialization):
		return &rpcError{Code: codeNotInitialized, Message: err.Error()}
	case errors.Is(err, vault.ErrAuthenticationFailed):
		return &rpcError{Code: codeAuthFailed, Message: err.Error()}
	case errors.Is(err, vault.ErrNotAuthenticated):
		return &rpcError{Code: codeNotAuthenticated, Message: err.Error()}
	case errors.Is(err, vault.ErrIntegrity):
		return &rpcError{Code: codeIntegrity, Message: err.Error()}
	case errors.Is(err, vault.ErrCorruptData):
		return &rpcError{Code: codeCorruptData, Message: err.Error()}
	case errors.Is(err, vault.ErrRecoveryUnavailable):
		return &rpcError{Code: codeRecoveryUnavailable, Message: err.Error()}
	case errors.Is(err, vault.ErrCrypto):
		return &rpcError{Code: codeCrypto, Message: err.Error()}
	case errors.Is(err, vault.ErrStorage):
		return &rpcError{Code: codeStorage, Message: err.Error()}
	case errors.Is(err, vault.ErrDisposed):
		return &rpcError{Code: codeDisposed, Message: err.Error()}
	}
	return &rpcError{Code: codeInternal, Message: err.Error()}
}
