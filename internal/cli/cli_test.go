package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowsync/internal/apperr"
	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/verification"
)

func TestRootCommand_HasCommands(t *testing.T) {
	cmd := NewRootCommand()

	want := []string{"run", "sync", "status", "orders", "proof", "kyc", "validators", "assets", "contacts"}
	for _, name := range want {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}

	ordersCmd, _, err := cmd.Find([]string{"orders"})
	require.NoError(t, err)
	for _, name := range []string{"create", "accept", "lock", "request-payment", "cancel", "dispute", "resolve", "refund", "get", "list", "stats"} {
		sub, _, err := ordersCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
}

func TestRootCommand_PersistentFlags(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"verbose", "format", "db", "replica-id", "remote", "offline", "user", "validator"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
	assert.Equal(t, "text", cmd.PersistentFlags().Lookup("format").DefValue)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad")))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	wrapped := WrapExitError(ExitFailure, "stale", apperr.NotFound("order", "o1"))
	assert.True(t, apperr.IsNotFound(wrapped))
	assert.Contains(t, wrapped.Error(), "stale: ")
}

type harness struct {
	t    *testing.T
	base []string
}

func newHarness(t *testing.T) harness {
	return harness{t: t, base: []string{"--offline", "--db", filepath.Join(t.TempDir(), "replica.db")}}
}

func (h harness) run(args ...string) (string, error) {
	h.t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(append([]string{}, h.base...), args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (h harness) json(v any, args ...string) {
	h.t.Helper()
	out, err := h.run(append(args, "--format", "json")...)
	require.NoError(h.t, err, args)
	require.NoError(h.t, json.Unmarshal([]byte(out), v), out)
}

func TestCLI_InvalidFormat(t *testing.T) {
	_, err := newHarness(t).run("orders", "list", "--format", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestCLI_OfflineTrade(t *testing.T) {
	h := newHarness(t)

	var o documents.Order
	h.json(&o, "orders", "create", "--user", "alice", "--amount", "50", "--price", "2800",
		"--method-id", "pm1", "--method-name", "GCash", "--method-type", "ewallet")
	require.NotEmpty(t, o.ID)
	assert.Equal(t, documents.OrderCreated, o.Status)
	assert.Equal(t, "alice", o.SellerID)

	h.json(&o, "orders", "accept", o.ID, "--user", "bob")
	assert.Equal(t, documents.OrderEscrowPending, o.Status)
	assert.Empty(t, o.ValidatorID, "no validators known, seller verifies")

	h.json(&o, "orders", "lock", o.ID, "--user", "alice")
	assert.Equal(t, documents.OrderEscrowLocked, o.Status)
	h.json(&o, "orders", "request-payment", o.ID, "--user", "alice")
	assert.Equal(t, documents.OrderPaymentPending, o.Status)

	var res verification.Result
	h.json(&res, "proof", "submit", o.ID, "--user", "bob", "--proof", "ref 12345")
	assert.Equal(t, documents.OrderPaymentSubmitted, res.Order.Status)

	_, err := h.run("proof", "verify", o.ID, "--user", "bob", "--outcome", "verified")
	require.Error(t, err)
	assert.True(t, apperr.IsForbidden(err))
	assert.Equal(t, ExitFailure, GetExitCode(err))

	h.json(&res, "proof", "verify", o.ID, "--user", "alice", "--outcome", "verified", "--remarks", "received")
	assert.Equal(t, documents.OrderCompleted, res.Order.Status)
	assert.Equal(t, documents.VerificationVerified, res.Verification.Status)

	var list []documents.Order
	h.json(&list, "orders", "list", "--user-id", "bob")
	require.Len(t, list, 1)
	assert.Equal(t, documents.OrderCompleted, list[0].Status)

	out, err := h.run("orders", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "completed 1")

	out, err = h.run("orders", "get", o.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "status:    completed")
}

func TestCLI_Errors(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("orders", "lock", "ord_missing")
	assert.Equal(t, ExitCommandError, GetExitCode(err), "--user is required")

	_, err = h.run("orders", "lock", "ord_missing", "--user", "alice")
	assert.True(t, apperr.IsNotFound(err))
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = h.run("orders", "create", "--user", "alice", "--amount", "-1", "--price", "10")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = h.run("orders", "resolve", "ord_x", "--user", "alice", "--outcome", "cancelled")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = h.run("orders", "list", "--from", "yesterday")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = h.run("sync")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCLI_KYC(t *testing.T) {
	h := newHarness(t)

	file := filepath.Join(t.TempDir(), "kyc.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"personalInfo":{"firstName":"Bob","email":"bob@example.com"},"status":"approved"}`), 0o600))

	var k documents.KYCRecord
	h.json(&k, "kyc", "submit", "--user", "bob", "--file", file, "--last-name", "Builder")
	assert.Equal(t, "bob", k.UserID)
	assert.Equal(t, documents.KYCPending, k.Status)
	assert.Equal(t, "Builder", k.PersonalInfo.LastName)

	_, err := h.run("kyc", "review", "bob", "--user", "alice", "--status", "approved")
	assert.True(t, apperr.IsForbidden(err))

	h.json(&k, "kyc", "review", "bob", "--user", "victor", "--validator", "v1", "--status", "approved", "--remarks", "ok")
	assert.Equal(t, documents.KYCApproved, k.Status)

	out, err := h.run("kyc", "get", "--user", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "KYC bob: approved")
	assert.Contains(t, out, "by victor")
}

func TestCLI_ReferenceData(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("assets", "put", "icp", "--symbol", "ICP", "--name", "Internet Computer", "--sort", "1")
	require.NoError(t, err)
	_, err = h.run("assets", "put", "bad")
	assert.Equal(t, ExitCommandError, GetExitCode(err), "symbol is required")

	var assets []documents.Asset
	h.json(&assets, "assets", "list")
	require.Len(t, assets, 1)
	assert.Equal(t, "ICP", assets[0].TokenSymbol)

	_, err = h.run("assets", "remove", "icp")
	require.NoError(t, err)
	out, err := h.run("assets", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no assets")

	_, err = h.run("contacts", "put", "p1", "--name", "Carol")
	require.NoError(t, err)
	out, err = h.run("contacts", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "p1  Carol")

	out, err = h.run("validators", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no validators")
}

func TestCLI_StatusOffline(t *testing.T) {
	h := newHarness(t)
	var o documents.Order
	h.json(&o, "orders", "create", "--user", "alice", "--amount", "50", "--price", "2800")

	var rep StatusReport
	h.json(&rep, "status")
	assert.True(t, rep.Healthy)
	assert.Zero(t, rep.ArmedTimers, "created orders are not timed")

	h.json(&o, "orders", "accept", o.ID, "--user", "bob")
	h.json(&rep, "status")
	assert.Equal(t, 1, rep.ArmedTimers)
	require.Len(t, rep.Checks, 2)
	assert.Equal(t, "database", rep.Checks[0].Name)
	assert.Equal(t, "replication", rep.Checks[1].Name)
}

func TestParseTime(t *testing.T) {
	ms, err := parseTime("2024-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, int64(1704164645000), ms)

	ms, err = parseTime("1700000000000")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), ms)

	ms, err = parseTime("")
	require.NoError(t, err)
	assert.Zero(t, ms)

	_, err = parseTime("-5")
	assert.True(t, apperr.IsValidation(err))
}
