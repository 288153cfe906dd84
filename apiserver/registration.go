// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/DarrenBenson/homelabcmd/apiserver/params"
	"github.com/DarrenBenson/homelabcmd/core/fleet"
	"github.com/DarrenBenson/homelabcmd/state"
)

// errTokenClaimed marks a delete attempt on an already-claimed
// registration token; the API maps it to 400 rather than 409.
const errTokenClaimed = errors.ConstError("registration token claimed")

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req params.RegistrationTokenRequest
	if err := decode(r, &req); err != nil {
		sendError(w, err)
		return
	}
	mode := fleet.AgentMode(req.Mode)
	if mode != fleet.AgentModeReadOnly && mode != fleet.AgentModeReadWrite {
		sendError(w, errors.NotValidf("agent mode %q", req.Mode))
		return
	}
	if req.ExpiryMinutes < 0 {
		sendError(w, errors.NotValidf("expiry_minutes %d", req.ExpiryMinutes))
		return
	}

	expiry := time.Duration(req.ExpiryMinutes) * time.Minute
	plaintext, tok, err := s.tokens.NewRegistrationToken(
		r.Context(), mode, req.DisplayName, req.MonitoredServices, expiry)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, params.RegistrationTokenResponse{
		ID:             tok.ID,
		Token:          plaintext,
		TokenPrefix:    tok.TokenPrefix,
		Mode:           string(tok.Mode),
		DisplayName:    tok.DisplayName,
		ExpiresAt:      tok.ExpiresAt,
		InstallCommand: s.tokens.InstallCommand(plaintext),
	})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now().UTC()
	var pending []state.RegistrationToken
	err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		pending, err = tx.PendingRegistrationTokens(ctx, now)
		return errors.Trace(err)
	})
	if err != nil {
		sendError(w, err)
		return
	}

	list := params.RegistrationTokenList{Tokens: []params.RegistrationTokenInfo{}}
	for _, tok := range pending {
		list.Tokens = append(list.Tokens, params.RegistrationTokenInfo{
			ID:          tok.ID,
			TokenPrefix: tok.TokenPrefix,
			Mode:        string(tok.Mode),
			DisplayName: tok.DisplayName,
			CreatedAt:   tok.CreatedAt,
			ExpiresAt:   tok.ExpiresAt,
		})
	}
	list.Total = len(list.Tokens)
	sendJSON(w, http.StatusOK, list)
}

func (s *Server) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		sendError(w, errors.NotValidf("token id"))
		return
	}
	err = s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		tok, err := tx.RegistrationToken(ctx, id)
		if err != nil {
			return errors.Trace(err)
		}
		if !tok.ClaimedAt.IsZero() {
			return errors.WithType(
				errors.Errorf("registration token %d is already claimed", id), errTokenClaimed)
		}
		return errors.Trace(tx.DeleteRegistrationToken(ctx, id))
	})
	if err != nil {
		if errors.Is(err, errTokenClaimed) {
			sendErrorCode(w, http.StatusBadRequest, "TOKEN_CLAIMED", err.Error())
			return
		}
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req params.ClaimRequest
	if err := decode(r, &req); err != nil {
		sendError(w, err)
		return
	}
	if req.Token == "" || req.ServerID == "" || req.Hostname == "" {
		sendErrorCode(w, http.StatusBadRequest, "INVALID_TOKEN",
			"token, server_id and hostname are required")
		return
	}

	result, err := s.tokens.Claim(r.Context(), req.Token, req.ServerID, req.Hostname)
	if err != nil {
		// An expired, unknown or already-claimed token is the caller's
		// fault, not a schema problem.
		if errors.Is(err, errors.NotValid) {
			sendErrorCode(w, http.StatusBadRequest, "INVALID_TOKEN", err.Error())
			return
		}
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, params.ClaimResponse{
		Success:    true,
		ServerID:   result.ServerID,
		ServerGUID: result.ServerGUID,
		APIToken:   result.APIToken,
		ConfigYAML: result.ConfigYAML,
	})
}

func (s *Server) handleInstallScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/x-shellscript")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, installScript, s.hubURL)
}

// installScript is the idempotent agent installer served to hosts.
// The single %s is the hub base URL.
const installScript = `#!/bin/bash
set -euo pipefail

HUB_URL=%q
TOKEN=""
SERVER_ID=""

while [ $# -gt 0 ]; do
    case "$1" in
        --token) TOKEN="$2"; shift 2 ;;
        --server-id) SERVER_ID="$2"; shift 2 ;;
        *) echo "unknown argument: $1" >&2; exit 1 ;;
    esac
done

if [ -z "$TOKEN" ]; then
    echo "usage: install.sh --token <registration token> [--server-id <slug>]" >&2
    exit 1
fi
if [ "$(id -u)" -ne 0 ]; then
    echo "this installer must run as root" >&2
    exit 1
fi
if [ -z "$SERVER_ID" ]; then
    SERVER_ID="$(hostname -s | tr '[:upper:]' '[:lower:]')"
fi

CLAIM=$(curl -fsS -X POST "$HUB_URL/api/v1/agents/register/claim" \
    -H 'Content-Type: application/json' \
    -d "{\"token\":\"$TOKEN\",\"server_id\":\"$SERVER_ID\",\"hostname\":\"$(hostname -f)\"}") || {
    echo "registration claim failed" >&2
    exit 1
}

CONFIG=$(printf '%%s' "$CLAIM" | python3 -c 'import json,sys; print(json.load(sys.stdin)["config_yaml"], end="")') || {
    echo "claim response did not contain an agent config" >&2
    exit 1
}

mkdir -p /etc/homelab-agent
printf '%%s' "$CONFIG" > /etc/homelab-agent/config.yaml
chmod 600 /etc/homelab-agent/config.yaml
MODE=$(sed -n 's/^mode: *//p' /etc/homelab-agent/config.yaml)

AGENT_USER=root
if [ "$MODE" = "readonly" ]; then
    AGENT_USER=homelab-agent
    id -u "$AGENT_USER" >/dev/null 2>&1 || useradd --system --no-create-home --shell /usr/sbin/nologin "$AGENT_USER"
    chown "$AGENT_USER" /etc/homelab-agent/config.yaml
fi

cat > /etc/systemd/system/homelab-agent.service <<UNIT
[Unit]
Description=Homelab monitoring agent
After=network-online.target

[Service]
Type=simple
User=$AGENT_USER
ExecStart=/usr/local/bin/homelab-agent --config /etc/homelab-agent/config.yaml
Restart=always
RestartSec=10

[Install]
WantedBy=multi-user.target
UNIT

systemctl daemon-reload
systemctl enable --now homelab-agent.service
echo "agent registered as $SERVER_ID"
`

func (s *Server) handleCredentialInfo(w http.ResponseWriter, r *http.Request) {
	guid := mux.Vars(r)["guid"]
	var cred state.AgentCredential
	err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		cred, err = tx.LatestCredential(ctx, guid)
		return errors.Trace(err)
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, params.CredentialInfo{
		ServerGUID:     cred.ServerGUID,
		APITokenPrefix: cred.APITokenPrefix,
		CreatedAt:      cred.CreatedAt,
		LastUsedAt:     cred.LastUsedAt,
		Revoked:        cred.Revoked(),
	})
}

func (s *Server) handleRotateCredential(w http.ResponseWriter, r *http.Request) {
	guid := mux.Vars(r)["guid"]
	var srv fleet.Server
	err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		srv, err = tx.ServerByGUID(ctx, guid)
		return errors.Trace(err)
	})
	if err != nil {
		sendError(w, err)
		return
	}
	apiToken, cred, err := s.tokens.Rotate(r.Context(), guid)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, params.RotateResponse{
		ServerID:   srv.ID,
		ServerGUID: cred.ServerGUID,
		APIToken:   apiToken,
	})
}

func (s *Server) handleRevokeCredential(w http.ResponseWriter, r *http.Request) {
	guid := mux.Vars(r)["guid"]
	if err := s.tokens.Revoke(r.Context(), guid); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusNoContent, nil)
}
