package rpc

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"keyfold/go-vault/internal/platform/privacylog"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow(clientKey(r), s.now()) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32700, Message: "parse error"},
		})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeRPCInvalidRequest(w, req.ID)
		return
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCInvalidRequest(w, req.ID)
		return
	}

	reqID := fmt.Sprintf("rpc_%d", s.now().UnixNano())
	started := s.now()
	s.log.Info("rpc request", "request_id", reqID, "method", req.Method)

	result, rpcErr := s.dispatchRPC(r, req.Method, req.Params)
	if rpcErr != nil {
		s.log.Error("rpc failed", "request_id", reqID, "method", req.Method, "rpc_code", rpcErr.Code, "latency_ms", s.now().Sub(started).Milliseconds())
	} else {
		s.log.Info("rpc response", "request_id", reqID, "method", req.Method, "latency_ms", s.now().Sub(started).Milliseconds())
	}
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
		Error:   rpcErr,
	})
}

// clientKey buckets rate limiting per caller. Authenticated callers are
// keyed by a fingerprint of their token, everyone else by remote IP.
func clientKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return "tok:" + privacylog.FingerprintID(auth)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

type registerParams struct {
	Password string `json:"password"`
}

type importParams struct {
	Mnemonic string `json:"mnemonic"`
	Password string `json:"password"`
}

type loginParams struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

type recoverParams struct {
	ID           string `json:"id"`
	RecoveryCode string `json:"recoveryCode"`
	NewPassword  string `json:"newPassword"`
	Rotate       bool   `json:"rotate"`
}

type changePasswordParams struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

type verifyPasswordParams struct {
	Password string `json:"password"`
}

type secretKeyParams struct {
	Key string `json:"key"`
}

type secretParams struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type signParams struct {
	Data string `json:"data"`
}

func (s *Server) dispatchRPC(r *http.Request, method string, rawParams json.RawMessage) (any, *rpcError) {
	ctx := r.Context()
	switch method {
	case "health_check":
		return map[string]string{"status": "ok", "state": s.engine.State().String()}, nil

	case "vault_state":
		return map[string]any{
			"state":         s.engine.State().String(),
			"authenticated": s.engine.IsAuthenticated(),
		}, nil

	case "vault_init":
		if err := s.engine.Init(ctx); err != nil {
			return nil, mapEngineError(err)
		}
		return map[string]string{"state": s.engine.State().String()}, nil

	case "vault_register":
		var p registerParams
		if !decodeParams(rawParams, &p) || p.Password == "" {
			return nil, rpcInvalidParams()
		}
		res, err := s.engine.Register(ctx, p.Password)
		if err != nil {
			return nil, mapEngineError(err)
		}
		return map[string]string{
			"id":           res.ID,
			"recoveryCode": res.RecoveryCode,
			"mnemonic":     res.Mnemonic,
		}, nil

	case "vault_import":
		var p importParams
		if !decodeParams(rawParams, &p) || p.Mnemonic == "" || p.Password == "" {
			return nil, rpcInvalidParams()
		}
		res, err := s.engine.ImportIdentity(ctx, p.Mnemonic, p.Password)
		if err != nil {
			return nil, mapEngineError(err)
		}
		return map[string]string{
			"id":           res.ID,
			"recoveryCode": res.RecoveryCode,
		}, nil

	case "vault_login":
		var p loginParams
		if !decodeParams(rawParams, &p) || p.Password == "" {
			return nil, rpcInvalidParams()
		}
		res, err := s.engine.Login(ctx, p.ID, p.Password)
		if err != nil {
			return nil, mapEngineError(err)
		}
		return map[string]string{
			"id":        res.ID,
			"publicKey": base64.StdEncoding.EncodeToString(res.PublicKey),
		}, nil

	case "vault_recover":
		var p recoverParams
		if !decodeParams(rawParams, &p) || p.RecoveryCode == "" || p.NewPassword == "" {
			return nil, rpcInvalidParams()
		}
		res, err := s.engine.Recover(ctx, p.ID, p.RecoveryCode, p.NewPassword, p.Rotate)
		if err != nil {
			return nil, mapEngineError(err)
		}
		out := map[string]string{"id": res.ID}
		if res.NewRecoveryCode != "" {
			out["newRecoveryCode"] = res.NewRecoveryCode
		}
		return out, nil

	case "vault_change_password":
		var p changePasswordParams
		if !decodeParams(rawParams, &p) || p.OldPassword == "" || p.NewPassword == "" {
			return nil, rpcInvalidParams()
		}
		if err := s.engine.ChangePassword(ctx, p.OldPassword, p.NewPassword); err != nil {
			return nil, mapEngineError(err)
		}
		return map[string]bool{"changed": true}, nil

	case "vault_verify_password":
		var p verifyPasswordParams
		if !decodeParams(rawParams, &p) || p.Password == "" {
			return nil, rpcInvalidParams()
		}
		ok, err := s.engine.VerifyPassword(ctx, p.Password)
		if err != nil {
			return nil, mapEngineError(err)
		}
		return map[string]bool{"valid": ok}, nil

	case "vault_lock":
		if err := s.engine.Lock(ctx); err != nil {
			return nil, mapEngineError(err)
		}
		return map[string]string{"state": s.engine.State().String()}, nil

	case "vault_save_secret":
		var p secretParams
		if !decodeParams(rawParams, &p) || p.Key == "" {
			return nil, rpcInvalidParams()
		}
		if err := s.engine.SaveSecret(ctx, p.Key, p.Value); err != nil {
			return nil, mapEngineError(err)
		}
		return map[string]bool{"saved": true}, nil

	case "vault_get_secret":
		var p secretKeyParams
		if !decodeParams(rawParams, &p) || p.Key == "" {
			return nil, rpcInvalidParams()
		}
		value, found, err := s.engine.GetSecret(p.Key)
		if err != nil {
			return nil, mapEngineError(err)
		}
		return map[string]any{"value": value, "found": found}, nil

	case "vault_delete_secret":
		var p secretKeyParams
		if !decodeParams(rawParams, &p) || p.Key == "" {
			return nil, rpcInvalidParams()
		}
		if err := s.engine.DeleteSecret(ctx, p.Key); err != nil {
			return nil, mapEngineError(err)
		}
		return map[string]bool{"deleted": true}, nil

	case "vault_list_secret_keys":
		keys, err := s.engine.ListSecretKeys()
		if err != nil {
			return nil, mapEngineError(err)
		}
		return map[string]any{"keys": keys}, nil

	case "vault_sign":
		var p signParams
		if !decodeParams(rawParams, &p) || p.Data == "" {
			return nil, rpcInvalidParams()
		}
		data, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			return nil, rpcInvalidParams()
		}
		sig, err := s.engine.Sign(data)
		if err != nil {
			return nil, mapEngineError(err)
		}
		return map[string]string{"signature": base64.StdEncoding.EncodeToString(sig)}, nil

	case "vault_public_key":
		pub, err := s.engine.PublicKey()
		if err != nil {
			return nil, mapEngineError(err)
		}
		return map[string]string{"publicKey": base64.StdEncoding.EncodeToString(pub)}, nil

	case "vault_get_id":
		id, err := s.engine.GetID()
		if err != nil {
			return nil, mapEngineError(err)
		}
		return map[string]string{"id": id}, nil

	case "vault_list_ids":
		ids, err := s.engine.ListStoredIDs(ctx)
		if err != nil {
			return nil, mapEngineError(err)
		}
		return map[string]any{"ids": ids}, nil

	case "vault_wipe_all":
		if err := s.engine.WipeAll(ctx); err != nil {
			return nil, mapEngineError(err)
		}
		return map[string]string{"state": s.engine.State().String()}, nil
	}
	return nil, &rpcError{Code: -32601, Message: "method not found"}
}

func decodeParams(raw json.RawMessage, dst any) bool {
	if len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCInvalidRequest(w http.ResponseWriter, id json.RawMessage) {
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: -32600, Message: "invalid request"},
	})
}
