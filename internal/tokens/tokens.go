// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package tokens issues, claims, rotates and verifies the hub's two
// credential kinds: one-shot registration tokens and long-lived
// per-agent API tokens. Only SHA-256 hashes are stored.
package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"

	"github.com/DarrenBenson/homelabcmd/core/fleet"
	"github.com/DarrenBenson/homelabcmd/state"
)

var logger = loggo.GetLogger("homelabcmd.tokens")

const (
	registrationPrefix = "hlh_rt_"
	agentPrefix        = "hlh_ag_"

	registrationPrefixLen = 16
	agentPrefixLen        = 20

	defaultExpiry = 60 * time.Minute
)

// Service implements the token flows on top of state.
type Service struct {
	st     *state.State
	clock  clock.Clock
	hubURL string
}

// NewService returns a token service. hubURL is the externally
// reachable base URL baked into agent configs.
func NewService(st *state.State, clk clock.Clock, hubURL string) *Service {
	return &Service{st: st, clock: clk, hubURL: strings.TrimRight(hubURL, "/")}
}

// HashToken returns the SHA-256 hex digest stored for any token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyHash compares a presented token against a stored hash in
// constant time.
func VerifyHash(token, storedHash string) bool {
	computed := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Trace(err)
	}
	return hex.EncodeToString(buf), nil
}

// NewRegistrationToken mints a registration token, returning the
// plaintext (shown exactly once) and the stored record.
func (s *Service) NewRegistrationToken(ctx context.Context, mode fleet.AgentMode, displayName string, monitoredServices []string, expiry time.Duration) (string, state.RegistrationToken, error) {
	if expiry <= 0 {
		expiry = defaultExpiry
	}
	random, err := randomHex(32)
	if err != nil {
		return "", state.RegistrationToken{}, errors.Trace(err)
	}
	plaintext := registrationPrefix + random
	now := s.clock.Now().UTC()

	tok := state.RegistrationToken{
		TokenHash:         HashToken(plaintext),
		TokenPrefix:       plaintext[:registrationPrefixLen],
		Mode:              mode,
		DisplayName:       displayName,
		MonitoredServices: monitoredServices,
		CreatedAt:         now,
		ExpiresAt:         now.Add(expiry),
	}
	err = s.st.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		id, err := tx.InsertRegistrationToken(ctx, tok)
		if err != nil {
			return errors.Trace(err)
		}
		tok.ID = id
		return nil
	})
	if err != nil {
		return "", state.RegistrationToken{}, errors.Trace(err)
	}
	return plaintext, tok, nil
}

// InstallCommand renders the one-liner shown alongside a fresh
// registration token.
func (s *Service) InstallCommand(plaintext string) string {
	return fmt.Sprintf("curl -sSL %s/api/v1/agents/register/install.sh | sudo bash -s -- --token %s",
		s.hubURL, plaintext)
}

// ClaimResult is everything returned to the installer on a
// successful claim. APIToken is plaintext and never reproducible.
type ClaimResult struct {
	ServerID   string
	ServerGUID string
	APIToken   string
	ConfigYAML string
}

// Claim validates a registration token and registers the server,
// creating its agent credential and rendering the agent config. A
// server that already holds an active credential must rotate instead.
func (s *Service) Claim(ctx context.Context, plaintext, serverID, hostname string) (ClaimResult, error) {
	now := s.clock.Now().UTC()

	var result ClaimResult
	err := s.st.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		tok, err := tx.RegistrationTokenByHash(ctx, HashToken(plaintext))
		if errors.Is(err, errors.NotFound) {
			return errors.NotValidf("registration token")
		}
		if err != nil {
			return errors.Trace(err)
		}
		if !tok.Claimable(now) {
			return errors.NotValidf("registration token expired or already claimed")
		}

		guid := ""
		srv, err := tx.Server(ctx, serverID)
		switch {
		case err == nil:
			if srv.GUID != "" {
				if _, credErr := tx.ActiveCredential(ctx, srv.GUID); credErr == nil {
					return errors.AlreadyExistsf("server %q has an active credential; rotate it instead", serverID)
				}
				guid = srv.GUID
			}
		case errors.Is(err, errors.NotFound):
		default:
			return errors.Trace(err)
		}
		if guid == "" {
			guid = uuid.New().String()
		}

		apiToken, cred, err := mintAgentToken(guid, now)
		if err != nil {
			return errors.Trace(err)
		}

		if srv.ID == "" {
			srv = fleet.Server{
				ID:                    serverID,
				GUID:                  guid,
				Hostname:              hostname,
				DisplayName:           tok.DisplayName,
				Status:                fleet.StatusUnknown,
				MachineType:           fleet.MachineTypeServer,
				MachineCategorySource: fleet.CategorySourceAuto,
				AgentMode:             tok.Mode,
				SudoMode:              fleet.SudoPasswordless,
				AssignedPacks:         fleet.DefaultPacks(fleet.MachineTypeServer),
				DriftDetectionEnabled: true,
				CreatedAt:             now,
				UpdatedAt:             now,
			}
			if err := tx.CreateServer(ctx, srv); err != nil {
				return errors.Trace(err)
			}
		} else {
			srv.GUID = guid
			srv.Hostname = hostname
			srv.AgentMode = tok.Mode
			srv.UpdatedAt = now
			if err := tx.UpdateServer(ctx, srv); err != nil {
				return errors.Trace(err)
			}
		}

		if err := tx.InsertCredential(ctx, cred); err != nil {
			return errors.Trace(err)
		}
		if err := tx.ClaimRegistrationToken(ctx, tok.ID, serverID, now); err != nil {
			return errors.Trace(err)
		}

		configYAML, err := s.renderAgentConfig(serverID, guid, apiToken, tok.Mode, tok.MonitoredServices)
		if err != nil {
			return errors.Trace(err)
		}
		result = ClaimResult{
			ServerID:   serverID,
			ServerGUID: guid,
			APIToken:   apiToken,
			ConfigYAML: configYAML,
		}
		return nil
	})
	if err != nil {
		return ClaimResult{}, errors.Trace(err)
	}
	logger.Infof("registration claimed for server %q", serverID)
	return result, nil
}

// Rotate revokes the server's current agent token and issues a new
// one in the same transaction. The old token stops authenticating
// immediately.
func (s *Service) Rotate(ctx context.Context, guid string) (string, state.AgentCredential, error) {
	now := s.clock.Now().UTC()
	apiToken, cred, err := mintAgentToken(guid, now)
	if err != nil {
		return "", state.AgentCredential{}, errors.Trace(err)
	}
	err = s.st.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		if _, err := tx.ServerByGUID(ctx, guid); err != nil {
			return errors.Trace(err)
		}
		if err := tx.RevokeCredential(ctx, guid, now); err != nil && !errors.Is(err, errors.NotFound) {
			return errors.Trace(err)
		}
		return errors.Trace(tx.InsertCredential(ctx, cred))
	})
	if err != nil {
		return "", state.AgentCredential{}, errors.Trace(err)
	}
	logger.Infof("agent token rotated for guid %q", guid)
	return apiToken, cred, nil
}

// Revoke invalidates the server's active credential.
func (s *Service) Revoke(ctx context.Context, guid string) error {
	now := s.clock.Now().UTC()
	return errors.Trace(s.st.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		return tx.RevokeCredential(ctx, guid, now)
	}))
}

// Verify authenticates a presented agent token for the GUID, updating
// last_used_at on success.
func (s *Service) Verify(ctx context.Context, guid, token string) error {
	now := s.clock.Now().UTC()
	return errors.Trace(s.st.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		cred, err := tx.ActiveCredential(ctx, guid)
		if errors.Is(err, errors.NotFound) {
			return errors.Unauthorizedf("invalid agent credentials")
		}
		if err != nil {
			return errors.Trace(err)
		}
		if !VerifyHash(token, cred.APITokenHash) {
			return errors.Unauthorizedf("invalid agent credentials")
		}
		return errors.Trace(tx.TouchCredential(ctx, cred.ID, now))
	}))
}

func mintAgentToken(guid string, now time.Time) (string, state.AgentCredential, error) {
	random, err := randomHex(32)
	if err != nil {
		return "", state.AgentCredential{}, errors.Trace(err)
	}
	guidPrefix := strings.ReplaceAll(guid, "-", "")
	if len(guidPrefix) > 8 {
		guidPrefix = guidPrefix[:8]
	}
	plaintext := agentPrefix + guidPrefix + "_" + random
	cred := state.AgentCredential{
		ServerGUID:     guid,
		APITokenHash:   HashToken(plaintext),
		APITokenPrefix: plaintext[:agentPrefixLen],
		CreatedAt:      now,
	}
	return plaintext, cred, nil
}

// agentConfig is the YAML document written to the host by the
// install script.
type agentConfig struct {
	HubURL            string            `yaml:"hub_url"`
	ServerID          string            `yaml:"server_id"`
	ServerGUID        string            `yaml:"server_guid"`
	APIToken          string            `yaml:"api_token"`
	Mode              fleet.AgentMode   `yaml:"mode"`
	HeartbeatInterval int               `yaml:"heartbeat_interval"`
	MonitoredServices []string          `yaml:"monitored_services,omitempty"`
	CommandExecution  *commandExecution `yaml:"command_execution,omitempty"`
}

type commandExecution struct {
	Enabled bool `yaml:"enabled"`
}

func (s *Service) renderAgentConfig(serverID, guid, apiToken string, mode fleet.AgentMode, monitored []string) (string, error) {
	cfg := agentConfig{
		HubURL:            s.hubURL,
		ServerID:          serverID,
		ServerGUID:        guid,
		APIToken:          apiToken,
		Mode:              mode,
		HeartbeatInterval: 60,
		MonitoredServices: monitored,
	}
	if mode == fleet.AgentModeReadWrite {
		cfg.CommandExecution = &commandExecution{Enabled: true}
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(out), nil
}
